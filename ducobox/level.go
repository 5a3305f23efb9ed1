package ducobox

import (
	"errors"
	"fmt"
)

// Level is the forced ventilation mode of a node.
type Level string

const (
	LevelHigh   Level = "HIGH"
	LevelMedium Level = "MEDIUM"
	LevelLow    Level = "LOW"
	LevelAuto   Level = "AUTO"
)

var ErrUnknownLevel = errors.New("unknown ventilation level")

// overruleCodes is the only mapping between overrule codes and levels, used in
// both directions. It has to stay injective.
var overruleCodes = map[int]Level{
	100: LevelHigh,
	50:  LevelMedium,
	0:   LevelLow,
	255: LevelAuto,
}

func DecodeLevel(code int) (Level, error) {
	level, ok := overruleCodes[code]
	if !ok {
		return "", fmt.Errorf("%w: overrule %d", ErrUnknownLevel, code)
	}

	return level, nil
}

// Code returns the overrule code the device expects for this level.
func (l Level) Code() (int, error) {
	for code, level := range overruleCodes {
		if level == l {
			return code, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, string(l))
}

func (l Level) IsHigh() bool {
	return l == LevelHigh
}
