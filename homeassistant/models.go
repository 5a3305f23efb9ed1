package homeassistant

type deviceConfiguration struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

type fanConfiguration struct {
	UniqueId          string              `json:"unique_id"`
	Name              string              `json:"name"`
	StateTopic        string              `json:"state_topic"`
	CommandTopic      string              `json:"command_topic"`
	AvailabilityTopic string              `json:"availability_topic"`
	Device            deviceConfiguration `json:"device"`
}

// accessoryRecord is the on disk form of bridge.Accessory.
type accessoryRecord struct {
	ID     string `yaml:"id"`
	Serial string `yaml:"serial"`
	Model  string `yaml:"model,omitempty"`
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	Node   int    `yaml:"node"`
	On     *bool  `yaml:"on,omitempty"`
}

type storeFile struct {
	Accessories []accessoryRecord `yaml:"accessories"`
}
