package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const HomeAssistantPrefix = "homeassistant"
const TopicPrefix = "duco"

type Configuration struct {
	Mqtt      Mqtt      `mapstructure:"mqtt"`
	Discovery Discovery `mapstructure:"discovery"`
	Device    Device    `mapstructure:"device"`
	Http      Http      `mapstructure:"http"`
	Cache     Cache     `mapstructure:"cache"`
	Logging   Logging   `mapstructure:"logging"`
}

type Mqtt struct {
	IpAddress string `mapstructure:"ip_address"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	ClientId  string `mapstructure:"client_id"`
}

type Discovery struct {
	ServiceType  string        `mapstructure:"service_type"`
	NamePrefix   string        `mapstructure:"name_prefix"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type Device struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type Http struct {
	Address string `mapstructure:"address"`
}

type Cache struct {
	Path string `mapstructure:"path"`
}

type Logging struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.ip_address", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "go-duco")
	v.SetDefault("discovery.service_type", "_http._tcp")
	v.SetDefault("discovery.name_prefix", "DUCO ")
	v.SetDefault("discovery.timeout", 20*time.Second)
	v.SetDefault("discovery.retry_backoff", 30*time.Second)
	v.SetDefault("device.request_timeout", 10*time.Second)
	v.SetDefault("device.refresh_interval", time.Minute)
	v.SetDefault("http.address", ":8080")
	v.SetDefault("cache.path", "duco-accessories.yaml")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// LoadConfiguration reads filename on top of the defaults. A missing file is
// fine, DUCO_* environment variables override both (DUCO_MQTT_IP_ADDRESS for
// mqtt.ip_address).
func LoadConfiguration(filename string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("duco")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %v: %w", filename, err)
		}
	}

	configuration := &Configuration{}
	if err := v.Unmarshal(configuration); err != nil {
		return nil, err
	}

	if err := configuration.validate(); err != nil {
		return nil, err
	}

	return configuration, nil
}

func (c *Configuration) validate() error {
	if c.Discovery.ServiceType == "" {
		return errors.New("discovery.service_type is required")
	}
	if c.Discovery.NamePrefix == "" {
		return errors.New("discovery.name_prefix is required")
	}
	if c.Device.RefreshInterval < time.Second {
		return fmt.Errorf("device.refresh_interval %v is too short", c.Device.RefreshInterval)
	}
	return nil
}

func (m *Mqtt) ClientOptions(log *zap.SugaredLogger) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%v:%v", m.IpAddress, m.Port)).
		SetClientID(m.ClientId).
		SetUsername(m.Username).
		SetPassword(m.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			log.Warnw("MQTT connection lost", "error", err)
		}).
		SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
			log.Infow("MQTT reconnecting")
		})
}
