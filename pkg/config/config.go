package config

import "time"

// Server defaults
const (
	DefaultHTTPAddr    = ":8080"
	DefaultDataDir     = "./data/telemetryd"
	DefaultMaxMemoryMB = 48
	DefaultScope       = "DEFAULT"
)

// Storage housekeeping
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// Reducer cadences (standard 5-field cron expressions)
const (
	DefaultMinuteCron       = "* * * * *"
	DefaultHourCron         = "*/15 * * * *"
	DefaultDayCron          = "5 * * * *"
	DefaultReducerParallel  = 4
	DefaultReducerGrace     = 5 * time.Second
	DefaultReducerReadLimit = 0
)

// Timeline defaults
const (
	DefaultWorkerCount      = 3
	DefaultExpireInterval   = 3000
	DefaultTick             = 1 * time.Second
	DefaultDispatchMode     = "exact"
	DefaultCatchupWindow    = 60 * time.Second
	DefaultLookahead        = 72 * time.Minute
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultRefreshInterval  = 1 * time.Hour
	DefaultActivityTimeout  = 30 * time.Second
	DefaultQueueSize        = 1024
	DefaultSchedulePatchMin = 2 * time.Second
	DefaultSchedulePatchMax = 1 * time.Hour
	DefaultPoolDrainTimeout = 10 * time.Second

	// MaxActivityDuration bounds end_time - start_time for CMD and SCRIPT activities.
	MaxActivityDuration = 24 * time.Hour
)

// HTTP surface limits
const (
	HTTPReadTimeout     = 10 * time.Second
	HTTPWriteTimeout    = 10 * time.Second
	HTTPShutdownTimeout = 5 * time.Second
	MaxRecordsPerAppend = 10000
	MaxReadLimit        = 5000
	RequestTimeout      = 5 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
