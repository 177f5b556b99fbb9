package main

import (
	"fmt"
	"io"

	"blocklog.ai/internal/actors"
	"blocklog.ai/internal/persistence/logdb"
	"blocklog.ai/internal/rollback"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/transport/adminhttp"
	"blocklog.ai/internal/transport/hostws"
	"blocklog.ai/internal/workpool"
)

type metricSources struct {
	store   *logdb.Store
	applier *surface.Applier
	pool    *workpool.Pool
	host    *hostws.Server
	hub     *adminhttp.JobHub
	engine  *rollback.Engine
	dir     *actors.Directory
	mirror  *r2MirrorRuntime
}

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, m metricSources) {
	st := m.store.Stats()
	fmt.Fprintf(w, "# HELP blocklog_store_queue_depth Pending writes in the log store queue.\n")
	fmt.Fprintf(w, "# TYPE blocklog_store_queue_depth gauge\n")
	fmt.Fprintf(w, "blocklog_store_queue_depth %d\n", st.QueueDepth)

	fmt.Fprintf(w, "# HELP blocklog_store_queue_capacity Log store queue capacity.\n")
	fmt.Fprintf(w, "# TYPE blocklog_store_queue_capacity gauge\n")
	fmt.Fprintf(w, "blocklog_store_queue_capacity %d\n", st.QueueCapacity)

	fmt.Fprintf(w, "# HELP blocklog_store_writes_total Log store writes by outcome.\n")
	fmt.Fprintf(w, "# TYPE blocklog_store_writes_total counter\n")
	fmt.Fprintf(w, "blocklog_store_writes_total{kind=%q,outcome=%q} %d\n", "entry", "appended", st.AppendedTotal)
	fmt.Fprintf(w, "blocklog_store_writes_total{kind=%q,outcome=%q} %d\n", "snapshot", "appended", st.SnapshotsTotal)
	fmt.Fprintf(w, "blocklog_store_writes_total{kind=%q,outcome=%q} %d\n", "any", "dropped", st.DroppedTotal)
	fmt.Fprintf(w, "blocklog_store_writes_total{kind=%q,outcome=%q} %d\n", "any", "failed", st.FailedTotal)

	as := m.applier.Stats()
	fmt.Fprintf(w, "# HELP blocklog_applier_ops_total World mutations run by the applier.\n")
	fmt.Fprintf(w, "# TYPE blocklog_applier_ops_total counter\n")
	fmt.Fprintf(w, "blocklog_applier_ops_total{outcome=%q} %d\n", "ok", as.Applied)
	fmt.Fprintf(w, "blocklog_applier_ops_total{outcome=%q} %d\n", "error", as.Failed)

	fmt.Fprintf(w, "# HELP blocklog_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(w, "# TYPE blocklog_queue_depth gauge\n")
	fmt.Fprintf(w, "blocklog_queue_depth{queue=%q} %d\n", "applier", as.QueueDepth)
	ps := m.pool.Stats()
	fmt.Fprintf(w, "blocklog_queue_depth{queue=%q} %d\n", "workers", ps.QueueDepth)

	fmt.Fprintf(w, "# HELP blocklog_worker_tasks_total Worker pool tasks by outcome.\n")
	fmt.Fprintf(w, "# TYPE blocklog_worker_tasks_total counter\n")
	fmt.Fprintf(w, "blocklog_worker_tasks_total{outcome=%q} %d\n", "completed", ps.Completed)
	fmt.Fprintf(w, "blocklog_worker_tasks_total{outcome=%q} %d\n", "panicked", ps.Panicked)

	hs := m.host.Stats()
	connected := 0
	if hs.Connected {
		connected = 1
	}
	fmt.Fprintf(w, "# HELP blocklog_host_connected Whether a game host is attached.\n")
	fmt.Fprintf(w, "# TYPE blocklog_host_connected gauge\n")
	fmt.Fprintf(w, "blocklog_host_connected %d\n", connected)

	fmt.Fprintf(w, "# HELP blocklog_host_messages_total Host bridge messages by kind.\n")
	fmt.Fprintf(w, "# TYPE blocklog_host_messages_total counter\n")
	fmt.Fprintf(w, "blocklog_host_messages_total{kind=%q} %d\n", "event", hs.EventsTotal)
	fmt.Fprintf(w, "blocklog_host_messages_total{kind=%q} %d\n", "rejected", hs.RejectedTotal)
	fmt.Fprintf(w, "blocklog_host_messages_total{kind=%q} %d\n", "command", hs.CommandsTotal)
	fmt.Fprintf(w, "blocklog_host_messages_total{kind=%q} %d\n", "command_failed", hs.CommandFailures)

	fmt.Fprintf(w, "# HELP blocklog_online_actors Actors currently online.\n")
	fmt.Fprintf(w, "# TYPE blocklog_online_actors gauge\n")
	fmt.Fprintf(w, "blocklog_online_actors %d\n", len(m.dir.OnlineActors()))

	byState := map[rollback.State]int{}
	for _, j := range m.engine.Jobs() {
		byState[j.State]++
	}
	fmt.Fprintf(w, "# HELP blocklog_rollback_jobs Known rollback jobs by state.\n")
	fmt.Fprintf(w, "# TYPE blocklog_rollback_jobs gauge\n")
	for _, s := range []rollback.State{rollback.StateRequested, rollback.StateRunning, rollback.StateCompleted, rollback.StateCancelled} {
		fmt.Fprintf(w, "blocklog_rollback_jobs{state=%q} %d\n", s, byState[s])
	}

	hub := m.hub.Stats()
	fmt.Fprintf(w, "# HELP blocklog_job_stream_subscribers Connected job progress streams.\n")
	fmt.Fprintf(w, "# TYPE blocklog_job_stream_subscribers gauge\n")
	fmt.Fprintf(w, "blocklog_job_stream_subscribers %d\n", hub.Subscribers)
	fmt.Fprintf(w, "# HELP blocklog_job_stream_dropped_total Job updates dropped for slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE blocklog_job_stream_dropped_total counter\n")
	fmt.Fprintf(w, "blocklog_job_stream_dropped_total %d\n", hub.DroppedTotal)

	writeR2MirrorMetrics(w, m.mirror)
}

func writeR2MirrorMetrics(w io.Writer, mirror *r2MirrorRuntime) {
	s, ok := mirror.Stats()
	if !ok {
		return
	}
	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_queue_depth Current R2 mirror queue depth.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_queue_depth gauge\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_enqueued_total Total mirror enqueue attempts.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_enqueued_total counter\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_enqueued_total %d\n", s.EnqueuedTotal)

	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_dropped_total Total mirror files dropped because queue remained saturated.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_dropped_total counter\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_dropped_total %d\n", s.DroppedTotal)

	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_upload_total Mirror uploads by outcome after retry.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_upload_total counter\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_upload_total{outcome=%q} %d\n", "success", s.UploadSuccessTotal)
	fmt.Fprintf(w, "blocklog_r2_mirror_upload_total{outcome=%q} %d\n", "fail", s.UploadFailTotal)

	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_last_success_unix Unix timestamp of last successful mirror upload.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_last_success_unix gauge\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_last_success_unix %d\n", s.LastSuccessUnix)

	fmt.Fprintf(w, "# HELP blocklog_r2_mirror_last_error_unix Unix timestamp of last failed mirror upload.\n")
	fmt.Fprintf(w, "# TYPE blocklog_r2_mirror_last_error_unix gauge\n")
	fmt.Fprintf(w, "blocklog_r2_mirror_last_error_unix %d\n", s.LastErrorUnix)
}
