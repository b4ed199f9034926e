package models

import (
	"errors"
	"strings"
)

// Device identifies a battery monitor and how to reach it.
type Device struct {
	ID        string `yaml:"id" json:"id"`
	Serial    string `yaml:"serial" json:"serial"`
	AccessURL string `yaml:"accessUrl" json:"access_url"`
}

// Validate checks required identity fields.
func (d Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("device: id is required")
	}
	if strings.TrimSpace(d.Serial) == "" {
		return errors.New("device: serial is required")
	}
	if strings.TrimSpace(d.AccessURL) == "" {
		return errors.New("device: access url is required")
	}
	return nil
}
