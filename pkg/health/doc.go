/*
Package health runs periodic component checks for the Burrow main process.

Each component (the stream worker pool, the resolver, ident and ban-store
workers) registers a Checker with a Monitor. The Monitor runs every check
on an interval, debounces failures over Config.Retries consecutive
results, and reports the outcome through a ReportFunc; the manager wires
that to its metrics.HealthTable so /health and /ready reflect it.

# Flow

 1. Manager starts → registers one check per component
 2. Failures during StartPeriod are not counted (workers still spawning)
 3. Every Interval: run each check with Timeout
 4. If check fails: increment consecutive failures
 5. If failures >= Retries: report the component unhealthy
 6. First success: report healthy again

# Usage

	mon := health.NewMonitor(health.DefaultConfig(), table.Update)
	mon.Add("pool", health.CheckFunc(func(ctx context.Context) error {
		if live == 0 {
			return errors.New("no live stream worker")
		}
		return nil
	}))
	mon.Start()
	defer mon.Stop()
*/
package health
