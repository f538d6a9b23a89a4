/*
Package placement implements the Worker Placement & Registry (C6): it
decides which host a new app-worker instance lands on and tracks its
lifecycle once installed, generalizing the teacher's
pkg/scheduler/scheduler.go's selectNode — fewest-existing-containers load
balancing over a static node list — into PickForPlacement's richer
composite score (pkg/inventory owns the scoring; this package only
supplies the current placement counts scheduler.go computed inline).

Placement creation submits an install DeploymentTask through pkg/deploy
and reacts to its completion via Dispatcher.OnComplete rather than
blocking on it, the same fire-and-poll-via-callback shape
scheduler.go's create-then-let-the-worker-report-back loop has, adapted
from a ticker poll to an explicit callback since this control plane has
no analogous heartbeat channel to piggyback on.
*/
package placement
