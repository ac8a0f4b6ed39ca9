// Package monitor defines the core types and capability interfaces shared by
// the listing monitor: tracked items, snapshots, scrape tasks, alerts, and the
// fetch/storage/notification seams the pipeline is assembled from.
package monitor
