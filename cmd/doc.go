// Package cmd hosts the serptracker CLI.
//
// Architecture overview:
//   - Configuration: internal/config loads serptracker.yaml plus SERPTRACKER_*
//     environment overrides through Viper. Provider keys come from pool.keys or,
//     when that is empty, from SERPAPI_KEY_1..SERPAPI_KEY_50.
//   - Credential pool: internal/pool selects a key per call (priority,
//     least_used or round_robin), retries on other keys after a failure, pauses
//     rate-limited keys and marks keys exhausted at their daily or monthly limit.
//   - Bulk jobs: internal/dispatcher splits keyword lists into batches with
//     bounded concurrency and retries failures sequentially.
//   - Persistence: credentials are mirrored write-behind to memory, SQLite or
//     Postgres so usage survives restarts; lookups are stored for /v1/results.
//   - Maintenance: internal/scheduler runs the daily reset (with a monthly check),
//     a weekly result purge and an hourly health log on cron schedules.
//
// Quick checklist:
//   - Run locally: serptracker serve --config serptracker.yaml
//   - One-off lookups: serptracker track "running shoes" --domain example.com
//   - Key admin: serptracker keys stats | add | remove | update | test | verify
package cmd
