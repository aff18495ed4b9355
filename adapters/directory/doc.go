// Package directory provides file system adapters for communication points.
//
// Poller is an inbound adapter: it scans SOURCE_FOLDER, ingests every regular file and moves it
// into a .processed sub-folder. Each file is keyed by name, size and modification time, so a file
// that is seen again after a crash is not ingested twice.
//
// Writer is an outbound adapter: it writes every message to TARGET_FOLDER as {stepId}{ext}. The
// write goes through a temporary file and a rename, so readers never see partial files and a
// repeated send of the same step overwrites the same file.
package directory
