// Package trace records driver diagnostic events as a CBOR sequence.
//
// Every attach, detach, session operation and interrupt can be captured by a
// [Recorder]. [StreamRecorder] appends events to a file or stream; [Reader]
// replays them, e.g. for `softreg trace`.
package trace
