// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry), Prometheus metrics and an in-process event bus for
// lattice.
//
// A Telemetry value is built once by the CLI and placed in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx := tel.WithContext(context.Background())
//
// Packages that only need a logger call telemetry.FromContext(ctx). All
// Metrics methods are safe on a disabled or nil collector, so library code
// can record unconditionally.
package telemetry
