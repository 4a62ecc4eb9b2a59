package config

// Default returns the configuration an empty file resolves to. The numeric
// defaults match the solver's option defaults so a file only needs to state
// what it changes.
func Default() *Config {
	return &Config{
		Problem:   "funnel",
		NSims:     100,
		MaxSteps:  50,
		ThetaRtol: 0.01,
		ZTol:      0.01,
		Alpha:     0.7,
		Covariance: CovarianceConfig{
			Enabled:        true,
			CorrectedJ:     true,
			FDStepFraction: 0.1,
		},
		Parallel: ParallelConfig{
			Strategy: "pool",
		},
		LogLevel: "info",
		Progress: true,
	}
}
