package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RequeueEventMessage]  = (*RequeueEventCommand)(nil)
	_ gocmd.Commander[ReleaseStuckMessage]  = (*ReleaseStuckCommand)(nil)
	_ gocmd.Commander[StartBackfillMessage] = (*StartBackfillCommand)(nil)
	_ gocmd.Commander[RunSyncMessage]       = (*RunSyncCommand)(nil)
)
