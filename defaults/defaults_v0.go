package defaults

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/sahib/config"
)

func sizeValidator(val interface{}) error {
	s, ok := val.(string)
	if !ok {
		return fmt.Errorf("size is not a string: %v", val)
	}

	if _, err := humanize.ParseBytes(s); err != nil {
		return fmt.Errorf("not a valid size: %s (%v)", s, err)
	}

	return nil
}

// DefaultsV0 is the default config validation for f2cache
var DefaultsV0 = config.DefaultMapping{
	"backing": config.DefaultMapping{
		"max_memory": config.DefaultEntry{
			Default:      "256MiB",
			NeedsRestart: true,
			Docs:         "How much memory cached pages may use. Unused pages are swapped or dropped beyond. 0 means no limit.",
			Validator:    sizeValidator,
		},
		"swap_dir": config.DefaultEntry{
			Default:      "",
			NeedsRestart: true,
			Docs:         "Where pages go when memory is full. If empty, clean pages are dropped instead.",
		},
		"compression": config.DefaultEntry{
			Default:      "snappy",
			NeedsRestart: true,
			Docs:         "How swapped pages are compressed.",
			Validator: config.EnumValidator(
				"none", "snappy", "lz4",
			),
		},
	},
	"writer": config.DefaultMapping{
		"workers": config.DefaultEntry{
			Default:      4,
			NeedsRestart: true,
			Docs:         "How many batches are written to the store in parallel.",
			Validator:    config.IntRangeValidator(1, 256),
		},
		"batch_size": config.DefaultEntry{
			Default:      256,
			NeedsRestart: true,
			Docs:         "How many blocks are written in one batch. A full queue is written right away.",
			Validator:    config.IntRangeValidator(1, 65536),
		},
		"max_writes_per_second": config.DefaultEntry{
			Default:      0,
			NeedsRestart: true,
			Docs:         "How many blocks per second may be written at max. 0 means no limit.",
			Validator:    config.IntRangeValidator(0, 1<<40),
		},
	},
	"writeback": config.DefaultMapping{
		"pages_per_pass": config.DefaultEntry{
			Default:      1024,
			NeedsRestart: false,
			Docs:         "How many pages of one file are written per writeback pass.",
			Validator:    config.IntRangeValidator(1, 1<<30),
		},
	},
	"store": config.DefaultMapping{
		"backend": config.DefaultEntry{
			Default:      "memory",
			NeedsRestart: true,
			Docs:         "Where blocks are stored.",
			Validator: config.EnumValidator(
				"memory", "badger",
			),
		},
		"path": config.DefaultEntry{
			Default:      "",
			NeedsRestart: true,
			Docs:         "Directory of the badger store. Only used with the badger backend.",
		},
	},
}
