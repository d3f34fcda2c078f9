package scheduler

import (
	"runtime"
	"sync"

	"github.com/foundryengine/jobsystem/fiber"
	"github.com/foundryengine/jobsystem/pagesource"
	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
	})
	return validatorInst
}

// Config controls the size and shape of a Scheduler: worker count, fiber
// pool capacity and stack sizes, and the dequeue attempt budget. Struct
// tags are enforced by Validate before New builds anything, turning a
// misconfigured pool into an explicit startup error instead of a later
// fatal crash at rent time.
type Config struct {
	WorkerCount           int `validate:"min=1"`
	FiberPoolSize         int `validate:"min=1"`
	LargeFiberPoolSize    int `validate:"min=0"`
	FiberStackSize        int `validate:"min=4096"`
	LargeFiberStackSize   int `validate:"min=4096"`
	DispatchAttemptBudget int `validate:"min=1"`

	// Logger receives scheduler lifecycle and error diagnostics. A nil
	// Logger defaults to a thin adapter over the standard library's log
	// package (see logger.go).
	Logger Logger

	// PageSource backs fiber stacks and scratch arenas. Nil selects
	// pagesource.Default() for the running platform.
	PageSource pagesource.Source
}

// DefaultConfig returns sensible defaults: worker count matches
// runtime.NumCPU()-1, leaving the physical main thread's core free for
// OS and platform work.
func DefaultConfig() Config {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	return Config{
		WorkerCount:           workers,
		FiberPoolSize:         fiber.DefaultFiberCount,
		LargeFiberPoolSize:    fiber.DefaultLargeFiberCount,
		FiberStackSize:        fiber.DefaultStackSize,
		LargeFiberStackSize:   fiber.DefaultLargeStackSize,
		DispatchAttemptBudget: 8,
	}
}

// Validate checks struct tags, returning a descriptive error rather than
// leaving a malformed Config to fail later and more confusingly inside
// New.
func (c Config) Validate() error {
	return getValidator().Struct(c)
}
