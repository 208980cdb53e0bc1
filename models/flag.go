package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type FlagType string

const (
	FlagBool   FlagType = "boolean"
	FlagString FlagType = "string"
	FlagNumber FlagType = "number"
	FlagJSON   FlagType = "json"
)

// Flag is a named runtime setting. Value holds the encoded form for Type.
type Flag struct {
	Name        string    `bson:"_id" json:"name"`
	Type        FlagType  `bson:"type" json:"type"`
	Value       string    `bson:"value" json:"value"`
	Default     string    `bson:"default" json:"default"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	UpdatedBy   string    `bson:"updated_by,omitempty" json:"updated_by,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

func (f *Flag) raw() string {
	if strings.TrimSpace(f.Value) != "" {
		return f.Value
	}
	return f.Default
}

func (f *Flag) String() string { return f.raw() }

func (f *Flag) Bool() (bool, error) { return strconv.ParseBool(f.raw()) }

func (f *Flag) Float() (float64, error) { return strconv.ParseFloat(f.raw(), 64) }

func (f *Flag) Int() (int, error) {
	v, err := f.Float()
	return int(v), err
}

func (f *Flag) Decode(out any) error { return json.Unmarshal([]byte(f.raw()), out) }

// ValidValue checks that v parses as the flag's type.
func (t FlagType) ValidValue(v string) bool {
	switch t {
	case FlagBool:
		_, err := strconv.ParseBool(v)
		return err == nil
	case FlagNumber:
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	case FlagJSON:
		return json.Valid([]byte(v))
	case FlagString:
		return true
	}
	return false
}
