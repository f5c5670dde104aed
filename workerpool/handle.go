package workerpool

import "github.com/gontrandl/autoweave-core/pluginmgr"

// WorkerHandle is an alias of pluginmgr.WorkerHandle: the Worker Pool
// mints the same opaque handle type the Plugin Manager's Pool interface
// expects, so Pool satisfies pluginmgr.Pool without any conversion.
type WorkerHandle = pluginmgr.WorkerHandle
