// Package srt opens SRT (Secure Reliable Transport) ingest connections for
// the relay, either in listener mode, accepting a single publisher, or in
// caller mode, dialing a remote SRT listener.
package srt
