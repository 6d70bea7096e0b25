package config

type WorkerKeyStruct struct {
	ReconcileQueue string
}

var WorkerKey = &WorkerKeyStruct{
	ReconcileQueue: "reconcile_writes_queue",
}
