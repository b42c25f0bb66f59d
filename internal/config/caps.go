package config

import (
	"fmt"
	"os"

	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"gopkg.in/yaml.v3"
)

// Capability profile names accepted by the "profile" key.
const (
	ProfileDefault     = "default"
	ProfileConstrained = "constrained"
)

// LoadDeviceCaps reads a YAML capability file. The optional "profile"
// key picks the base profile; every other key present in the file
// overrides that base. An empty path returns the default profile.
//
//	profile: constrained
//	history_warmup_limit: 6
//	history_request_timeout_ms: 15000
func LoadDeviceCaps(path string) (models.DeviceCaps, error) {
	if path == "" {
		return models.DefaultDeviceCaps(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.DeviceCaps{}, fmt.Errorf("reading device caps: %w", err)
	}

	return ParseDeviceCaps(data)
}

// ParseDeviceCaps parses and validates a YAML capability profile.
func ParseDeviceCaps(data []byte) (models.DeviceCaps, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}

	if err := yaml.Unmarshal(data, &head); err != nil {
		return models.DeviceCaps{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidDeviceCaps, err)
	}

	var caps models.DeviceCaps

	switch head.Profile {
	case "", ProfileDefault:
		caps = models.DefaultDeviceCaps()
	case ProfileConstrained:
		caps = models.ConstrainedDeviceCaps()
	default:
		return models.DeviceCaps{}, fmt.Errorf("%w: unknown profile %q", apperrors.ErrInvalidDeviceCaps, head.Profile)
	}

	// yaml.v3 leaves fields absent from the document untouched.
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return models.DeviceCaps{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidDeviceCaps, err)
	}

	if err := ValidateDeviceCaps(caps); err != nil {
		return models.DeviceCaps{}, err
	}

	return caps, nil
}

// ValidateDeviceCaps rejects profiles the history router cannot run with.
func ValidateDeviceCaps(c models.DeviceCaps) error {
	switch {
	case c.PrefetchAllowed && c.HistoryPrefetchLimit <= 0:
		return fmt.Errorf("%w: history_prefetch_limit must be positive when prefetch is allowed", apperrors.ErrInvalidDeviceCaps)
	case c.HistoryWarmupLimit < 0:
		return fmt.Errorf("%w: history_warmup_limit must not be negative", apperrors.ErrInvalidDeviceCaps)
	case c.HistoryWarmupLimit > 0 && c.HistoryWarmupPageLimit <= 0:
		return fmt.Errorf("%w: history_warmup_page_limit must be positive", apperrors.ErrInvalidDeviceCaps)
	case c.HistoryWarmupLimit > 0 && c.HistoryWarmupConcurrency <= 0:
		return fmt.Errorf("%w: history_warmup_concurrency must be positive", apperrors.ErrInvalidDeviceCaps)
	case c.HistoryWarmupDelayMs < 0:
		return fmt.Errorf("%w: history_warmup_delay_ms must not be negative", apperrors.ErrInvalidDeviceCaps)
	case c.HistoryRequestTimeoutMs <= 0:
		return fmt.Errorf("%w: history_request_timeout_ms must be positive", apperrors.ErrInvalidDeviceCaps)
	}

	return nil
}
