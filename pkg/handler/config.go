package handler

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config provides a way to configure the Handler depending on your needs.
type Config struct {
	// StoreComposer points to the store composer from which the core data
	// store and optional dependencies should be taken.
	StoreComposer *StoreComposer
	// MaxSize defines how many bytes may be stored in one single upload. If
	// its value is 0 or smaller no limit will be enforced.
	MaxSize int64
	// BasePath defines the URL path used for handling uploads, e.g. "/files/".
	// If no trailing slash is presented it will be added. You may specify an
	// absolute URL containing a scheme, e.g. "http://upload.example.com"
	BasePath string
	isAbs    bool
	// DisableTermination indicates whether the server will refuse termination
	// requests of the uploaded file, by not mounting the DELETE handler.
	DisableTermination bool
	// NotifyFinishedUploads indicates whether sending descriptors of finished
	// uploads on the FinishedUploads channel should be enabled.
	NotifyFinishedUploads bool
	// FinishedUploadsBuffer is the capacity of the FinishedUploads channel.
	// It should match the number of goroutines consuming the channel so a
	// completing request does not wait for a busy worker. Defaults to 4.
	FinishedUploadsBuffer int
	// Logger is the logger to use internally, mostly for printing requests.
	Logger *zerolog.Logger
	// Respect the X-Forwarded-Host, X-Forwarded-Proto and Forwarded headers
	// potentially set by proxies when generating an absolute URL in the
	// response to POST requests.
	RespectForwardedHeaders bool
	// AcquireLockTimeout is the duration the handler waits for a per-upload
	// lock before giving up with ErrLockTimeout. Defaults to 20s.
	AcquireLockTimeout time.Duration
}

func (config *Config) validate() error {
	if config.Logger == nil {
		logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		config.Logger = &logger
	}

	base := config.BasePath
	uri, err := url.Parse(base)
	if err != nil {
		return err
	}

	// Ensure base path ends with slash to remove logic from absFileURL
	if base != "" && string(base[len(base)-1]) != "/" {
		base += "/"
	}

	// Ensure base path begins with slash if not absolute (starts with scheme)
	if !uri.IsAbs() && len(base) > 0 && string(base[0]) != "/" {
		base = "/" + base
	}
	config.BasePath = base
	config.isAbs = uri.IsAbs()

	if config.StoreComposer == nil {
		return errors.New("handler: StoreComposer must not be nil")
	}

	if config.StoreComposer.Core == nil {
		return errors.New("handler: StoreComposer in Config needs to contain a non-nil core")
	}

	if config.AcquireLockTimeout <= 0 {
		config.AcquireLockTimeout = 20 * time.Second
	}

	if config.FinishedUploadsBuffer <= 0 {
		config.FinishedUploadsBuffer = 4
	}

	return nil
}
