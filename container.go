// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/log"
	"github.com/hemant/redq/internal/rdb"
	"github.com/hemant/redq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// Container owns the lifecycle of the broker runtime.
//
// On start it persists the queue descriptors, then launches one scheduler
// per delayed queue, one reaper and one poller per queue, and the bounded
// worker pool they feed. On stop it signals every loop to quiesce, grants a
// bounded grace period, and abandons the rest; in-flight messages are
// recovered through their visibility timeout.
type Container struct {
	logger *log.Logger

	broker base.Broker
	// When a Container has been created with an existing Redis connection,
	// we do not want to close it.
	sharedConnection bool

	state *containerState

	// start automatically from Run. Default true.
	autoStartup bool

	mappings []*mapping
	executor TaskExecutor

	shutdownTimeout time.Duration

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	schedulers    []*scheduler
	reapers       []*reaper
	pollers       []*poller
	healthchecker *healthchecker

	// set once the pollers have been stopped ahead of a full shutdown.
	pollersStopped bool
}

type containerState struct {
	mu    sync.Mutex
	value ContainerState
}

// ContainerState denotes the lifecycle state of a Container.
type ContainerState int

const (
	// StateInitial represents a container that has not been started yet.
	StateInitial ContainerState = iota

	// StateStarting indicates the container is launching its subcomponents.
	StateStarting

	// StateRunning indicates the container is processing messages.
	StateRunning

	// StateStopping indicates the container is quiescing its subcomponents.
	StateStopping

	// StateStopped indicates the container has been shut down.
	StateStopped
)

var containerStates = []string{
	"initial",
	"starting",
	"running",
	"stopping",
	"stopped",
}

func (s ContainerState) String() string {
	if StateInitial <= s && s <= StateStopped {
		return containerStates[s]
	}
	return "unknown state"
}

// Config specifies the container's message processing behavior.
type Config struct {
	// DisableAutoStartup suppresses the automatic Start performed by
	// Run. By default the container starts at process boot.
	DisableAutoStartup bool

	// TaskExecutor overrides the worker pool used to run handlers.
	//
	// If nil, a bounded pool of MaxNumWorkers slots is built.
	TaskExecutor TaskExecutor

	// MaxNumWorkers is the worker pool size.
	//
	// If set to a zero or negative value, the number of registered queues
	// is used.
	MaxNumWorkers int

	// BackOffTime is how long a loop waits before trying to recover when an
	// infrastructure error occurs (e.g. connection timeout), and the delay
	// applied to a message of a delayed queue re-enqueued after a handler
	// failure. Messages of other queues are re-enqueued without delay.
	//
	// If unset or zero, 10 seconds is used.
	BackOffTime time.Duration

	// MaxJobExecutionTime is the visibility timeout applied to queues whose
	// spec does not carry its own.
	//
	// If unset or zero, 15 minutes is used.
	MaxJobExecutionTime time.Duration

	// MessageConverters is the ordered codec chain used to decode payloads
	// before handler invocation. Must be non-empty.
	MessageConverters []MessageConverter

	// DiscardMessageProcessor is invoked whenever a message is discarded
	// due to retry limit exhaustion with no dead letter queue configured.
	//
	// If nil, a no-op hook is used.
	DiscardMessageProcessor MessageProcessor

	// DeadLetterQueueMessageProcessor is invoked whenever a message is
	// moved to a dead letter queue.
	//
	// If nil, a no-op hook is used.
	DeadLetterQueueMessageProcessor MessageProcessor

	// PollInterval is how long a poller sleeps when its ready list is
	// empty.
	//
	// If unset or zero, 500 milliseconds is used.
	PollInterval time.Duration

	// BaseContext optionally specifies a function that returns the base
	// context for Handler invocations on this container.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// ShutdownTimeout specifies the duration to wait to let workers finish
	// their tasks before abandoning them when stopping the container.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered
	// during ping to the connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// Logger specifies the logger used by the container instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("redq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("redq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("redq: unexpected log level: %v", l))
}

const (
	defaultPollInterval        = 500 * time.Millisecond
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
)

// ErrContainerClosed indicates that the operation is now illegal because
// the container has been shut down.
var ErrContainerClosed = errors.New("redq: container stopped")

// NewContainer returns a new Container given a redis connection option, a
// registry of queue mappings, and configuration.
//
// A configuration failure is fatal: the container refuses to be built.
func NewContainer(r RedisConnOpt, registry *Registry, cfg Config) (*Container, error) {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("redq: unsupported RedisConnOpt type %T", r)
	}
	c, err := NewContainerFromRedisClient(redisClient, registry, cfg)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	c.sharedConnection = false
	return c, nil
}

// NewContainerFromRedisClient returns a new Container given a
// redis.UniversalClient, a registry of queue mappings, and configuration.
func NewContainerFromRedisClient(client redis.UniversalClient, registry *Registry, cfg Config) (*Container, error) {
	return newContainer(rdb.NewRDB(client), registry, cfg)
}

func newContainer(broker base.Broker, registry *Registry, cfg Config) (*Container, error) {
	if registry == nil || registry.size() == 0 {
		return nil, fmt.Errorf("redq: at least one queue mapping is required")
	}
	if len(cfg.MessageConverters) == 0 {
		return nil, fmt.Errorf("redq: messageConverters must not be empty")
	}

	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	backOffTime := cfg.BackOffTime
	if backOffTime <= 0 {
		backOffTime = time.Duration(base.DefaultBackOffTime) * time.Millisecond
	}
	maxJobExecutionTime := cfg.MaxJobExecutionTime
	if maxJobExecutionTime <= 0 {
		maxJobExecutionTime = time.Duration(base.DefaultMaxJobExecutionTime) * time.Millisecond
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthCheckInterval := cfg.HealthCheckInterval
	if healthCheckInterval <= 0 {
		healthCheckInterval = defaultHealthCheckInterval
	}
	discardProcessor := cfg.DiscardMessageProcessor
	if discardProcessor == nil {
		discardProcessor = NoOpMessageProcessor
	}
	dlqProcessor := cfg.DeadLetterQueueMessageProcessor
	if dlqProcessor == nil {
		dlqProcessor = NoOpMessageProcessor
	}

	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	// Freeze the registry and resolve per-queue defaults; every mapping
	// must satisfy the execution time floor with its resolved value.
	mappings := registry.freeze()
	for _, m := range mappings {
		if m.spec.MaxJobExecutionTime == 0 {
			m.spec.MaxJobExecutionTime = maxJobExecutionTime
		}
		if err := validateExecutionTime(m.spec.Name, m.spec.MaxJobExecutionTime); err != nil {
			return nil, fmt.Errorf("redq: %v", err)
		}
	}

	maxNumWorkers := cfg.MaxNumWorkers
	if maxNumWorkers <= 0 {
		maxNumWorkers = len(mappings)
	}
	executor := cfg.TaskExecutor
	if executor == nil {
		executor = newBoundedExecutor(maxNumWorkers)
	}

	clock := timeutil.NewRealClock()

	proc := newProcessor(processorParams{
		logger:           logger,
		broker:           broker,
		converters:       cfg.MessageConverters,
		baseCtxFn:        baseCtxFn,
		backOffTime:      backOffTime,
		discardProcessor: discardProcessor,
		dlqProcessor:     dlqProcessor,
	})

	var schedulers []*scheduler
	var reapers []*reaper
	var pollers []*poller
	for _, m := range mappings {
		if m.spec.Delayed {
			schedulers = append(schedulers, newScheduler(schedulerParams{
				logger:      logger,
				broker:      broker,
				clock:       clock,
				qname:       m.spec.Name,
				backOffTime: backOffTime,
			}))
		}
		reapers = append(reapers, newReaper(reaperParams{
			logger:      logger,
			broker:      broker,
			clock:       clock,
			qname:       m.spec.Name,
			backOffTime: backOffTime,
		}))
		pollers = append(pollers, newPoller(pollerParams{
			logger:       logger,
			broker:       broker,
			mapping:      m,
			executor:     executor,
			proc:         proc,
			idleInterval: pollInterval,
			backOffTime:  backOffTime,
		}))
	}
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		interval:        healthCheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	return &Container{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		autoStartup:      !cfg.DisableAutoStartup,
		state:            &containerState{value: StateInitial},
		mappings:         mappings,
		executor:         executor,
		shutdownTimeout:  shutdownTimeout,
		schedulers:       schedulers,
		reapers:          reapers,
		pollers:          pollers,
		healthchecker:    healthchecker,
	}, nil
}

// State returns the current lifecycle state of the container.
func (c *Container) State() ContainerState {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.value
}

// Run starts the container unless auto startup is disabled, blocks until an
// os signal to exit the program is received, and then gracefully stops.
func (c *Container) Run() error {
	if c.autoStartup {
		if err := c.Start(); err != nil {
			return err
		}
	}
	c.waitForSignals()
	c.Stop()
	return nil
}

// Start transitions the container to running: it persists the queue
// descriptors and launches all subcomponents.
func (c *Container) Start() error {
	if err := c.transition(StateInitial, StateStarting); err != nil {
		return err
	}
	c.logger.Info("Starting message processing")

	// Persist queue descriptors; failure here is a startup failure.
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, m := range c.mappings {
		if err := c.broker.WriteQueueConfig(ctx, m.queueConfig()); err != nil {
			c.setState(StateInitial)
			return fmt.Errorf("redq: failed to persist config for queue %q: %v", m.spec.Name, err)
		}
	}

	c.healthchecker.start(&c.wg)
	for _, s := range c.schedulers {
		s.start(&c.wg)
	}
	for _, r := range c.reapers {
		r.start(&c.wg)
	}
	for _, p := range c.pollers {
		p.start(&c.wg)
	}
	c.setState(StateRunning)
	return nil
}

// Stop gracefully shuts down the container.
//
// It signals all subcomponents to quiesce, waits up to the configured
// shutdown timeout for in-flight handlers, then abandons them; their
// messages will be recovered by the reaper once the visibility deadline
// passes.
func (c *Container) Stop() {
	c.state.mu.Lock()
	if c.state.value != StateRunning {
		c.state.mu.Unlock()
		return
	}
	c.state.value = StateStopping
	c.state.mu.Unlock()

	c.logger.Info("Starting graceful shutdown")
	c.stopPollers()
	for _, s := range c.schedulers {
		s.shutdown()
	}
	for _, r := range c.reapers {
		r.shutdown()
	}
	c.healthchecker.shutdown()

	// Grant the loops and the pool one bounded grace period; whatever is
	// still running afterwards is abandoned and recovered through the
	// visibility timeout.
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	quiesced := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(quiesced)
	}()
	select {
	case <-quiesced:
		c.executor.Shutdown(ctx)
	case <-ctx.Done():
		c.logger.Warn("Shutdown grace period expired; abandoning in-flight work")
	}

	if !c.sharedConnection {
		_ = c.broker.Close()
	}
	c.setState(StateStopped)
	c.logger.Info("Exiting")
}

// pausePolling signals the pollers to stop pulling new messages off the
// queues while the rest of the runtime keeps draining in-flight work.
func (c *Container) pausePolling() {
	c.state.mu.Lock()
	if c.state.value != StateRunning {
		c.state.mu.Unlock()
		return
	}
	c.state.mu.Unlock()

	c.logger.Info("Stopping pollers")
	c.stopPollers()
	c.logger.Info("Pollers stopped")
}

func (c *Container) stopPollers() {
	c.state.mu.Lock()
	stopped := c.pollersStopped
	c.pollersStopped = true
	c.state.mu.Unlock()
	if stopped {
		return
	}
	for _, p := range c.pollers {
		p.shutdown()
	}
}

// Ping performs a ping against the redis connection.
func (c *Container) Ping() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.value == StateStopped {
		return nil
	}
	return c.broker.Ping()
}

func (c *Container) setState(s ContainerState) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.value = s
}

// transition moves the lifecycle state from want to next, or reports why it
// cannot.
func (c *Container) transition(want, next ContainerState) error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	switch c.state.value {
	case want:
		c.state.value = next
		return nil
	case StateRunning:
		return fmt.Errorf("redq: the container is already running")
	case StateStarting:
		return fmt.Errorf("redq: the container is starting")
	case StateStopping:
		return fmt.Errorf("redq: the container is stopping")
	case StateStopped:
		return ErrContainerClosed
	}
	return fmt.Errorf("redq: invalid container state %v", c.state.value)
}
