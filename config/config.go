// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads the YAML file that describes what is backed up,
// where the intermediate artifacts are kept and where they're mirrored
// to. The resulting Config is passed explicitly to everything that needs
// it.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/bkchain/pack"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Origin is the directory being backed up.
	Origin string `yaml:"origin"`
	// Storage holds the plaintext and encrypted artifacts, the state
	// file and the parity files between runs.
	Storage string `yaml:"storage"`
	// KeyFile holds the encryption secret; at least 32 bytes.
	KeyFile string `yaml:"key_file"`

	// Mirrors are local directories that receive an exact copy of the
	// latest encrypted chain. They must already exist.
	Mirrors []string `yaml:"mirrors"`
	// GCS optionally mirrors the latest encrypted chain to a bucket.
	GCS *GCSConfig `yaml:"gcs,omitempty"`

	// Archiver is "tar" (default) or "builtin".
	Archiver string `yaml:"archiver"`
	// Hasher is "sha1sum" (default), "shake256" or "blake3".
	Hasher string `yaml:"hasher"`

	Parity ParityConfig `yaml:"parity"`

	// MinOriginSize guards against backing up an empty or unmounted
	// origin: the run fails if the origin holds fewer bytes than this.
	MinOriginSize int64 `yaml:"min_origin_size"`
	// LockTimeout bounds how long to wait for another run against the
	// same storage. Default: 1s
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type GCSConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	// Default: us-central1
	Location string `yaml:"location"`
	Prefix   string `yaml:"prefix"`
	// Default: nearline
	StorageClass string `yaml:"storage_class"`
	// zero -> unlimited
	MaxUploadBytesPerSecond int `yaml:"max_upload_bytes_per_second"`
}

// ParityConfig sets up the Reed-Solomon encoding of encrypted artifacts.
type ParityConfig struct {
	Disable      bool `yaml:"disable"`
	DataShards   int  `yaml:"data_shards"`
	ParityShards int  `yaml:"parity_shards"`
	// HashRate is the shard size of each encoded segment, in bytes.
	HashRate int `yaml:"hash_rate"`
}

// Default returns the configuration that file contents are merged into.
func Default() *Config {
	return &Config{
		Archiver: "tar",
		Hasher:   "sha1sum",
		Parity: ParityConfig{
			DataShards:   17,
			ParityShards: 3,
			HashRate:     1024 * 1024,
		},
		LockTimeout: time.Second,
	}
}

// LoadFile loads and validates the configuration in the given file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return c, nil
}

// Load reads a configuration from r. Unknown keys are errors.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, errors.Trace(err)
	}

	c.expandPaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) expandPaths() {
	c.Origin = expandPath(c.Origin)
	c.Storage = expandPath(c.Storage)
	c.KeyFile = expandPath(c.KeyFile)
	for i := range c.Mirrors {
		c.Mirrors[i] = expandPath(c.Mirrors[i])
	}
}

// expandPath expands $VAR and ${VAR} references and a leading "~/".
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch {
	case c.Origin == "":
		return errors.NotValidf("missing origin")
	case c.Storage == "":
		return errors.NotValidf("missing storage")
	case c.KeyFile == "":
		return errors.NotValidf("missing key_file")
	case c.MinOriginSize < 0:
		return errors.NotValidf("negative min_origin_size")
	case c.LockTimeout < 0:
		return errors.NotValidf("negative lock_timeout")
	}

	if _, err := pack.NewArchiver(c.Archiver, nil); err != nil {
		return err
	}
	if _, err := pack.NewHasher(c.Hasher, nil); err != nil {
		return err
	}

	if !c.Parity.Disable {
		p := c.Parity
		if p.DataShards <= 0 || p.ParityShards <= 0 || p.HashRate <= 0 {
			return errors.NotValidf("parity settings %+v", p)
		}
		if p.DataShards+p.ParityShards > 256 {
			return errors.NotValidf("more than 256 parity and data shards")
		}
	}

	if c.GCS != nil && c.GCS.Bucket == "" {
		return errors.NotValidf("gcs section without a bucket")
	}
	for _, m := range c.Mirrors {
		if m == "" {
			return errors.NotValidf("empty mirror directory")
		}
	}
	return nil
}

// Secret returns the contents of the key file.
func (c *Config) Secret() ([]byte, error) {
	b, err := os.ReadFile(c.KeyFile)
	return b, errors.Trace(err)
}
