package aof

// replayClient is the synthetic, reply-discarding client spec.md §9
// describes: the Loader reuses the live command-execution path via a
// client flagged "never blocks" whose replies are thrown away. In Go
// there is no network reply to suppress, so the only state worth
// keeping is which database SELECT last pointed at — replayClient
// exists purely to carry that across the command-by-command loop
// without every call site re-deriving it.
type replayClient struct {
	target ReplayTarget
	db     int
}

func newReplayClient(target ReplayTarget) *replayClient {
	return &replayClient{target: target}
}

// selectDB applies a decoded "SELECT <idx>" command. SELECT is never
// forwarded to the ReplayTarget itself — spec.md's command-dispatch
// hook takes an explicit dbid per call, so SELECT is framing metadata
// consumed here, not a command the data layer executes.
func (c *replayClient) selectDB(idx int) {
	c.db = idx
}

// dispatch executes a non-SELECT command against the currently
// selected database.
func (c *replayClient) dispatch(args []string) error {
	return c.target.Dispatch(c.db, args)
}

// snapshotDecoder reports whether the underlying ReplayTarget also
// implements SnapshotDecoder, for the Loader's RDB-format Base
// segment path.
func (c *replayClient) snapshotDecoder() (SnapshotDecoder, bool) {
	d, ok := c.target.(SnapshotDecoder)
	return d, ok
}
