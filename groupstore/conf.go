package groupstore

import (
	"time"

	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/groupcodec"
)

type Conf struct {
	PartitionCount                int           `help:"Number of partitions of the coordinator log" default:"50"`
	LoadBufferSize                int           `help:"Buffer size in bytes for reading batches when loading a partition" default:"5242880"`
	MaxMetadataSize               int           `help:"Maximum size in bytes of the metadata string accepted on an offset commit" default:"4096"`
	OffsetsRetention              time.Duration `help:"How long committed offsets of an idle group are retained" default:"168h"`
	OffsetsRetentionCheckInterval time.Duration `help:"Interval between expired offset sweeps" default:"10m"`
	MaxConcurrentLoads            int           `help:"Maximum number of partition loads/unloads in flight at once" default:"4"`
	OffsetCommitValueVersion      int16         `help:"Highest offset commit value version that will be written" default:"3"`
	GroupMetadataValueVersion     int16         `help:"Group metadata value version that will be written" default:"3"`
	PartitionLookupCacheSize      int           `help:"Size of the group id to partition lookup cache" default:"1024"`
}

const (
	DefaultPartitionCount                = 50
	DefaultLoadBufferSize                = 5 * 1024 * 1024
	DefaultMaxMetadataSize               = 4096
	DefaultOffsetsRetention              = 7 * 24 * time.Hour
	DefaultOffsetsRetentionCheckInterval = 10 * time.Minute
	DefaultMaxConcurrentLoads            = 4
	DefaultPartitionLookupCacheSize      = 1024
)

func NewConf() Conf {
	return Conf{
		PartitionCount:                DefaultPartitionCount,
		LoadBufferSize:                DefaultLoadBufferSize,
		MaxMetadataSize:               DefaultMaxMetadataSize,
		OffsetsRetention:              DefaultOffsetsRetention,
		OffsetsRetentionCheckInterval: DefaultOffsetsRetentionCheckInterval,
		MaxConcurrentLoads:            DefaultMaxConcurrentLoads,
		OffsetCommitValueVersion:      groupcodec.HighestOffsetCommitValueVersion,
		GroupMetadataValueVersion:     groupcodec.HighestGroupMetadataValueVersion,
		PartitionLookupCacheSize:      DefaultPartitionLookupCacheSize,
	}
}

func (c *Conf) Validate() error {
	if c.PartitionCount < 1 {
		return common.NewInvalidConfigurationError("partition-count must be > 0")
	}
	if c.LoadBufferSize < 1 {
		return common.NewInvalidConfigurationError("load-buffer-size must be > 0")
	}
	if c.MaxMetadataSize < 0 {
		return common.NewInvalidConfigurationError("max-metadata-size must be >= 0")
	}
	if c.OffsetsRetention <= 0 {
		return common.NewInvalidConfigurationError("offsets-retention must be > 0")
	}
	if c.OffsetsRetentionCheckInterval <= 0 {
		return common.NewInvalidConfigurationError("offsets-retention-check-interval must be > 0")
	}
	if c.MaxConcurrentLoads < 1 {
		return common.NewInvalidConfigurationError("max-concurrent-loads must be > 0")
	}
	if c.OffsetCommitValueVersion < groupcodec.OffsetCommitValueVersionExplicitExpiry ||
		c.OffsetCommitValueVersion > groupcodec.HighestOffsetCommitValueVersion {
		return common.NewInvalidConfigurationError("offset-commit-value-version out of range")
	}
	if c.GroupMetadataValueVersion < 0 || c.GroupMetadataValueVersion > groupcodec.HighestGroupMetadataValueVersion {
		return common.NewInvalidConfigurationError("group-metadata-value-version out of range")
	}
	if c.PartitionLookupCacheSize < 1 {
		return common.NewInvalidConfigurationError("partition-lookup-cache-size must be > 0")
	}
	return nil
}
