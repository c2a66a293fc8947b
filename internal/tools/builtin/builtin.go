// Package builtin provides the commands that are always available inside
// the sandbox: job control (stop, tasks, kill_terminal, input_terminal),
// content reload markers, and the ask command for querying a model about
// piped content.
package builtin

import (
	"github.com/jkaninda/ngome/internal/ipc"
	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/llm"
)

// RegisterAll configures every builtin command on the IPC registry and
// exposes it on the router. provider may be nil, in which case ask is
// not registered.
func RegisterAll(reg *ipc.Registry, router *ipc.Router, registry *jobs.Registry, provider llm.Provider) {
	stop := NewStop(registry)
	tasks := NewTasks(registry)
	killTerm := NewKillTerminal(registry)
	inputTerm := NewInputTerminal(registry)
	reload := NewReload()

	reg.ConfigureTool(stop)
	reg.ConfigureTool(tasks)
	reg.ConfigureTool(killTerm)
	reg.ConfigureTool(inputTerm)
	reg.ConfigureTool(reload)
	router.Register(stop.Name()).
		Register(tasks.Name()).
		Register(killTerm.Name()).
		Register(inputTerm.Name()).
		Register(reload.Name())

	if provider != nil {
		ask := NewAsk(provider)
		reg.ConfigureTool(ask)
		router.Register(ask.Name())
	}
}
