package autorun

import (
	"time"
	// the default zone must resolve on hosts without a zone database
	_ "time/tzdata"
)

const (
	ModeDaily = "daily"
	ModeBurst = "burst"
)

// Config is the resolved autorun policy.
type Config struct {
	Enabled  bool
	Location *time.Location

	StartHour     int
	SpreadMinutes int

	RerunInterval time.Duration
	// RerunAfterSuccess lets a pair that succeeded today run again once
	// RerunInterval elapsed; false limits same-day reruns to failed pairs.
	RerunAfterSuccess bool

	MaxPerTick int
	RequestGap time.Duration

	TickInterval      time.Duration
	BurstWindow       time.Duration
	BurstTickInterval time.Duration

	WatchdogInterval   time.Duration
	WatchdogMultiplier float64

	NotifyAdminsOnFailure bool
	InitialSweep          bool

	// ClaimTool is the upstream action each pair runs.
	ClaimTool string
}

func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Enabled:            true,
		Location:           loc,
		StartHour:          9,
		SpreadMinutes:      600,
		RerunInterval:      240 * time.Minute,
		RerunAfterSuccess:  true,
		MaxPerTick:         20,
		RequestGap:         3 * time.Second,
		TickInterval:       10 * time.Minute,
		BurstWindow:        30 * time.Minute,
		BurstTickInterval:  time.Minute,
		WatchdogInterval:   5 * time.Minute,
		WatchdogMultiplier: 3,
		InitialSweep:       true,
		ClaimTool:          "auto-bind-coupons",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Location == nil {
		c.Location = d.Location
	}
	c.StartHour = NormalizeStartHour(c.StartHour)
	if c.SpreadMinutes <= 0 {
		c.SpreadMinutes = 1
	}
	if c.MaxPerTick <= 0 {
		c.MaxPerTick = d.MaxPerTick
	}
	if c.RequestGap < 0 {
		c.RequestGap = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.BurstTickInterval <= 0 {
		c.BurstTickInterval = d.BurstTickInterval
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.WatchdogMultiplier <= 0 {
		c.WatchdogMultiplier = d.WatchdogMultiplier
	}
	if c.ClaimTool == "" {
		c.ClaimTool = d.ClaimTool
	}
	return c
}
