// Package config loads the buffer manager's configuration via viper,
// merging defaults, an optional YAML file, and MEMBUF_* environment
// overrides.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the buffer manager exposes.
type Config struct {
	// basic sizing
	DRAMGiB   int `mapstructure:"dram_gb"`
	Worker    int `mapstructure:"worker"`
	BatchSize int `mapstructure:"batch_size"`

	// eviction policy
	PageProviderThreads int     `mapstructure:"page_provider_threads"`
	FreePercentage      float64 `mapstructure:"free_percentage"`
	CoolingPercentage   float64 `mapstructure:"cooling_percentage"`
	EvictCoolestEpochs  float64 `mapstructure:"evict_coolest_epochs"`

	// SSD tier
	SSDPath   string `mapstructure:"ssd_path"`
	SSDGiB    int    `mapstructure:"ssd_gib"`
	EvictToSSD bool  `mapstructure:"evict_to_ssd"`
	ProbSSD   int    `mapstructure:"prob_ssd"`
	Falloc    int    `mapstructure:"falloc"`

	// cluster
	Nodes           []string `mapstructure:"nodes"`
	OwnIP           string   `mapstructure:"own_ip"`
	Port            int      `mapstructure:"port"`
	RDMAMemoryFactor float64 `mapstructure:"rdma_memory_factor"`

	// coherence handler
	PollingInterval         int  `mapstructure:"polling_interval"`
	MessageHandlerThreads   int  `mapstructure:"message_handler_threads"`
	MessageHandlerMaxRetries int `mapstructure:"message_handler_max_retries"`
	Backoff                 bool `mapstructure:"backoff"`

	// NUMA pinning — accepted so existing deployment configs parse, but
	// unused: core pinning is not meaningfully expressible over the Go
	// scheduler.
	Sockets    int  `mapstructure:"sockets"`
	Socket     int  `mapstructure:"socket"`
	PinThreads bool `mapstructure:"pin_threads"`

	PartitionBits        int `mapstructure:"partition_bits"`
	PagePoolPartitions   int `mapstructure:"page_pool_partitions"`

	// page provider batch sizing, surfaced as config rather than
	// hardcoded
	EvictionBatchSize    int `mapstructure:"eviction_batch_size"`
	ScanBatchSize        int `mapstructure:"scan_batch_size"`
	EvictionSampleSize   int `mapstructure:"eviction_sample_size"`
	MinOutgoingElements  int `mapstructure:"min_outgoing_elements"`
	MaxOutstandingWrites int `mapstructure:"max_outstanding_writes"`
}

// Default returns the documented defaults for every field.
func Default() Config {
	return Config{
		DRAMGiB:   1,
		Worker:    1,
		BatchSize: 100,

		PageProviderThreads: 2,
		FreePercentage:      1,
		CoolingPercentage:   10,
		EvictCoolestEpochs:  0.1,

		SSDGiB:     100,
		EvictToSSD: true,
		ProbSSD:    1000,
		Falloc:     0,

		Nodes:            []string{"127.0.0.1:7174"},
		Port:             7174,
		RDMAMemoryFactor: 1.1,

		PollingInterval:          16,
		MessageHandlerThreads:    4,
		MessageHandlerMaxRetries: 10,
		Backoff:                  true,

		Sockets:    2,
		Socket:     0,
		PinThreads: true,

		PartitionBits:      6,
		PagePoolPartitions: 8,

		EvictionBatchSize:    32,
		ScanBatchSize:        128,
		EvictionSampleSize:   600,
		MinOutgoingElements:  16,
		MaxOutstandingWrites: 32,
	}
}

// Load reads configuration from an optional YAML file plus MEMBUF_*
// environment variable overrides, falling back to Default() for anything
// unset.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MEMBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("dram_gb", def.DRAMGiB)
	v.SetDefault("worker", def.Worker)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("page_provider_threads", def.PageProviderThreads)
	v.SetDefault("free_percentage", def.FreePercentage)
	v.SetDefault("cooling_percentage", def.CoolingPercentage)
	v.SetDefault("evict_coolest_epochs", def.EvictCoolestEpochs)
	v.SetDefault("ssd_gib", def.SSDGiB)
	v.SetDefault("evict_to_ssd", def.EvictToSSD)
	v.SetDefault("prob_ssd", def.ProbSSD)
	v.SetDefault("falloc", def.Falloc)
	v.SetDefault("nodes", def.Nodes)
	v.SetDefault("port", def.Port)
	v.SetDefault("rdma_memory_factor", def.RDMAMemoryFactor)
	v.SetDefault("polling_interval", def.PollingInterval)
	v.SetDefault("message_handler_threads", def.MessageHandlerThreads)
	v.SetDefault("message_handler_max_retries", def.MessageHandlerMaxRetries)
	v.SetDefault("backoff", def.Backoff)
	v.SetDefault("sockets", def.Sockets)
	v.SetDefault("socket", def.Socket)
	v.SetDefault("pin_threads", def.PinThreads)
	v.SetDefault("partition_bits", def.PartitionBits)
	v.SetDefault("page_pool_partitions", def.PagePoolPartitions)
	v.SetDefault("eviction_batch_size", def.EvictionBatchSize)
	v.SetDefault("scan_batch_size", def.ScanBatchSize)
	v.SetDefault("eviction_sample_size", def.EvictionSampleSize)
	v.SetDefault("min_outgoing_elements", def.MinOutgoingElements)
	v.SetDefault("max_outstanding_writes", def.MaxOutstandingWrites)
}
