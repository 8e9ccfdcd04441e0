// Package pipeline runs the per-frame tracking loop: pull a frame, detect
// markers, move them into world space and update the registry.
//
// One worker goroutine owns the loop. Capture runs on its own goroutine and
// hands frames over through a single-slot channel where a new frame
// replaces an unprocessed one, so a slow frame never stalls capture.
package pipeline
