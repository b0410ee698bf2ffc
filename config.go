package hrfsring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultRingPath is the well-known node the ring is published at.
	DefaultRingPath = "/hrfs-ring"
	// DefaultLockPath is the parent of the ring lock contenders.
	DefaultLockPath = "/ringlock"
	// IdentityFileName is the node identity file inside the data directory.
	IdentityFileName = "uuid"
)

// Config is the explicit configuration of a RingManager.
type Config struct {
	// DataDir is the node data directory holding the identity file.
	DataDir string `validate:"required"`
	// HashFunctionID names the hash function for node identity and new rings.
	HashFunctionID string `validate:"required,hashfn"`
	// RingPath is the coordination path of the published ring.
	RingPath string `validate:"required,startswith=/"`
	// LockPath is the coordination path of the ring lock.
	LockPath string `validate:"required,startswith=/,nefield=RingPath"`
}

// NewConfig returns the defaults, DataDir still has to be set.
func NewConfig() Config {
	return Config{
		HashFunctionID: DefaultHashFunctionID,
		RingPath:       DefaultRingPath,
		LockPath:       DefaultLockPath,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var validate = validator.New()
	if err := validate.RegisterValidation("hashfn", func(fl validator.FieldLevel) bool {
		return LookupHashFunction(fl.Field().String()) != nil
	}); err != nil {
		return fmt.Errorf("failed to register validation: %w", err)
	}

	var err = validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("invalid ring config: %w", err)
	}

	var msgs = make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fieldErr.Field(), fieldErr.Tag()))
	}
	return fmt.Errorf("invalid ring config: %s", strings.Join(msgs, ", "))
}
