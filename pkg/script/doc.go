// Package script parses multi-voice scripts and renders them to audio.
//
// A script is a sequence of lines of the form "[Speaker] text". A line
// without a tag continues with the previous speaker; the first non-blank
// line must carry a tag. Renderer synthesizes every line through the
// resilient dispatcher on a shared worker pool and concatenates the audio
// in script order.
package script
