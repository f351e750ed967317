package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// InstallerMetadata describes one installable artifact resolved from the
// public package registry for a (package, version) pair.
type InstallerMetadata struct {
	URL              string `json:"url"`
	SHA256           string `json:"sha256"`
	Type             string `json:"type"` // msi, exe, msix, zip
	SilentArgs       string `json:"silent_args,omitempty"`
	UninstallCommand string `json:"uninstall_command,omitempty"`
	Scope            string `json:"scope,omitempty"` // machine or user
}

// DetectionRuleType identifies one of the closed set of detection rule
// variants the management system evaluates to decide whether an application
// is already installed.
type DetectionRuleType string

const (
	DetectionRuleFile        DetectionRuleType = "file"
	DetectionRuleRegistry    DetectionRuleType = "registry"
	DetectionRuleProductCode DetectionRuleType = "product_code"
	DetectionRuleScript      DetectionRuleType = "script"
)

// DetectionRule is a tagged union over the supported detection rule variants.
// Exactly the fields matching Type are meaningful; the rest stay empty.
type DetectionRule struct {
	Type DetectionRuleType `json:"type"`

	// file
	Path     string `json:"path,omitempty"`
	FileName string `json:"file_name,omitempty"`

	// registry
	KeyPath   string `json:"key_path,omitempty"`
	ValueName string `json:"value_name,omitempty"`

	// product_code
	ProductCode    string `json:"product_code,omitempty"`
	ProductVersion string `json:"product_version,omitempty"`

	// script
	ScriptContent string `json:"script_content,omitempty"`
}

// Validate checks that the rule carries the fields its variant requires.
// Parameters: none.
// Returns:
//   - error: non-nil if the variant is unknown or incomplete.
func (r DetectionRule) Validate() error {
	switch r.Type {
	case DetectionRuleFile:
		if r.Path == "" || r.FileName == "" {
			return errors.New("file detection rule requires path and file_name")
		}
	case DetectionRuleRegistry:
		if r.KeyPath == "" {
			return errors.New("registry detection rule requires key_path")
		}
	case DetectionRuleProductCode:
		if r.ProductCode == "" {
			return errors.New("product_code detection rule requires product_code")
		}
	case DetectionRuleScript:
		if r.ScriptContent == "" {
			return errors.New("script detection rule requires script_content")
		}
	default:
		return fmt.Errorf("unknown detection rule type %q", r.Type)
	}
	return nil
}

// DetectionRules is a custom type for storing detection rules as JSON in the
// database.
type DetectionRules []DetectionRule

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the rules.
//   - error: non-nil if marshaling fails.
func (d DetectionRules) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (d *DetectionRules) Scan(value interface{}) error {
	if value == nil {
		*d = DetectionRules{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan DetectionRules")
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		*d = DetectionRules{}
		return nil
	}
	return json.Unmarshal(bytes, d)
}

// EncryptionInfo carries the symmetric encryption descriptor the management
// system needs to decrypt an uploaded bundle server-side. All binary fields
// are base64-encoded.
type EncryptionInfo struct {
	EncryptionKey        string `json:"encryption_key"`
	MacKey               string `json:"mac_key"`
	InitializationVector string `json:"initialization_vector"`
	Mac                  string `json:"mac"`
	ProfileIdentifier    string `json:"profile_identifier"`
	FileDigest           string `json:"file_digest"`
	FileDigestAlgorithm  string `json:"file_digest_algorithm"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded encryption descriptor, nil for nil receiver.
//   - error: non-nil if marshaling fails.
func (e *EncryptionInfo) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (e *EncryptionInfo) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan EncryptionInfo")
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, e)
}

// ConsentStatus reports whether a tenant has currently granted admin consent
// for the deployment integration.
type ConsentStatus struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// BuildRun identifies one remote build execution dispatched for a job.
type BuildRun struct {
	RunID  string `json:"run_id"`
	RunURL string `json:"run_url"`
}
