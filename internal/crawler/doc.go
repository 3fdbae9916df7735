// Package crawler holds the domain vocabulary shared by the crawl pipeline,
// the storage adapters, and the HTTP surface: fetch requests and results,
// parsed documents, canonical page records, failure kinds, and the small
// interfaces (PageStore, Fetcher, Clock, ...) that let those pieces be
// swapped for fakes in tests.
package crawler
