package autodrive

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config configures an AutoDrive instance. Zero values fall back to the
// documented defaults; only DataDir is mandatory.
type Config struct {
	// DataDir is the root for all on-disk state: blockstore, metadata db
	// and the disk cache live beneath it.
	DataDir string `yaml:"dataDir"`

	// RPCURL is the ledger JSON-RPC endpoint. Empty disables publishing.
	RPCURL string `yaml:"rpcUrl"`
	// GatewayURL serves archived nodes. Empty disables gateway reads.
	GatewayURL string `yaml:"gatewayUrl"`
	// Accounts are the signing addresses for ledger submission.
	Accounts []string `yaml:"accounts"`

	// MaxChunkSize bounds one chunk's raw payload bytes.
	MaxChunkSize int `yaml:"maxChunkSize"`
	// MaxLinksPerNode bounds the DAG fan-out.
	MaxLinksPerNode int `yaml:"maxLinksPerNode"`

	// PublishMaxRetries is the attempt budget per node submission.
	PublishMaxRetries int `yaml:"publishMaxRetries"`
	// PublishRetryDelay is the pause before a failed subset retries.
	PublishRetryDelay time.Duration `yaml:"publishRetryDelay"`
	// AccountFailureThreshold parks an account after this many
	// consecutive failures. 0 disables parking.
	AccountFailureThreshold int `yaml:"accountFailureThreshold"`

	// FetchWindow bounds concurrent chunk fetches during retrieval.
	FetchWindow int `yaml:"fetchWindow"`

	// MemoryCacheBytes bounds the in-memory download cache.
	MemoryCacheBytes uint64 `yaml:"memoryCacheBytes"`
	// DiskCacheBytes bounds the on-disk download cache. 0 means unbounded.
	DiskCacheBytes uint64 `yaml:"diskCacheBytes"`
	// DiskCacheTTL expires disk cache entries by age. 0 disables expiry.
	DiskCacheTTL time.Duration `yaml:"diskCacheTTL"`

	// Logger is optional; nil gets a default stderr logger.
	Logger *logrus.Logger `yaml:"-"`
}

const (
	DefaultMemoryCacheBytes = 256 * 1024 * 1024
	DefaultDiskCacheBytes   = 10 * 1024 * 1024 * 1024
)

func (c *Config) applyDefaults() {
	if c.MemoryCacheBytes == 0 {
		c.MemoryCacheBytes = DefaultMemoryCacheBytes
	}
	if c.DiskCacheBytes == 0 {
		c.DiskCacheBytes = DefaultDiskCacheBytes
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}
