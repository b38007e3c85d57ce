// Package tracker defines the domain types shared by the credential pool,
// the bulk dispatcher, the provider client and the storage backends of the
// keyword rank tracker.
package tracker
