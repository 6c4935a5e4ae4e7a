package msc

// Config carries the application hooks and retry policy passed to
// [Driver.Init].
type Config struct {
	// NotifyConnected is called once per attach when GET MAX LUN completes,
	// before the SCSI bring-up commands run.
	NotifyConnected func(id DeviceID)

	// NotifyDisconnected is called when a connected device is removed.
	NotifyDisconnected func(id DeviceID)

	// RetryLimit bounds how many times one transaction resends a stalled
	// phase. Zero selects DefaultRetryLimit.
	RetryLimit int

	// EnumRetryLimit bounds attempts of the gating bring-up commands
	// (READ CAPACITY, TEST UNIT READY). Zero selects DefaultEnumRetryLimit.
	EnumRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.EnumRetryLimit <= 0 {
		c.EnumRetryLimit = DefaultEnumRetryLimit
	}
	return c
}
