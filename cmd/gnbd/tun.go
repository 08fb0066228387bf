package main

import (
	"io"

	"gnbgo/internal/worker"
)

// OpenTun is the seam between this daemon and the real OS tun driver. A
// platform build would replace this function with one that opens
// /dev/net/tun (Linux), utun (Darwin), or a TAP/WinTun handle (Windows,
// selected by if_drv) and returns it as a worker.TunDevice.
//
// The placeholder below satisfies the interface with an in-process pipe
// so the rest of the daemon (sockets, discovery, detect, primary) can
// start and be exercised without a real driver linked in: reads simply
// block until Close, and writes are discarded. It carries no IP frames
// of its own.
var OpenTun = func(ifname string, mtu int) (worker.TunDevice, error) {
	return newPipeTun(), nil
}

type pipeTun struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeTun() *pipeTun {
	r, w := io.Pipe()
	return &pipeTun{r: r, w: w}
}

func (t *pipeTun) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *pipeTun) Write(p []byte) (int, error) { return len(p), nil }
func (t *pipeTun) Close() error {
	_ = t.w.Close()
	return t.r.Close()
}
