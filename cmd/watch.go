package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/action"
	"github.com/clinicflow/queuesync/queue"
	"github.com/clinicflow/queuesync/room"
)

// ScopeArgs scope selection shared by the watch and action subcommands
type ScopeArgs struct {
	ResourceID string `validate:"required"`
	Date       string `validate:"required"`
}

// Scope parse the selected scope
func (a ScopeArgs) Scope() (queue.Scope, error) {
	return queue.NewScope(a.ResourceID, a.Date)
}

// watchLine one printed projection
type watchLine struct {
	Scope     string   `json:"scope"`
	Current   string   `json:"current"`
	Next      string   `json:"next"`
	InService bool     `json:"inService"`
	Waiting   []string `json:"waiting"`
	Stale     bool     `json:"stale"`
	Sequence  uint64   `json:"sequence"`
}

func formatWatchLine(update room.Update) watchLine {
	line := watchLine{
		Scope:     update.Scope.Key(),
		InService: update.Projection.InService,
		Waiting:   []string{},
		Stale:     update.Stale,
		Sequence:  update.Sequence,
	}
	if update.Projection.Current != nil {
		line.Current = string(update.Projection.Current.ID)
	}
	if update.Projection.Next != nil {
		line.Next = string(update.Projection.Next.ID)
	}
	for _, entry := range update.Projection.Waiting {
		line.Waiting = append(line.Waiting, string(entry.ID))
	}
	return line
}

// RunWatch print every projection of a scope as one JSON line until the runtime
// context ends
func RunWatch(
	runtimeContext context.Context, system *SyncSystem, scope queue.Scope, out io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "watch", "instance": scope.Key()}

	var writeLock sync.Mutex
	encoder := json.NewEncoder(out)
	viewer, err := system.Hub.Watch(runtimeContext, scope, room.KindMonitor, func(update room.Update) {
		writeLock.Lock()
		defer writeLock.Unlock()
		if err := encoder.Encode(formatWatchLine(update)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to print projection")
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to watch scope")
		return err
	}
	defer viewer.Close()

	lost := system.Channel.OnConnectionLost(func(cause error) {
		log.WithError(cause).WithFields(logTags).Warn("Reconnecting")
	})
	defer lost()

	<-runtimeContext.Done()
	return nil
}

// RunAction run one command through the action coordinator and print its result
func RunAction(
	runtimeContext context.Context,
	system *SyncSystem,
	scope queue.Scope,
	cmd queue.Command,
	out io.Writer,
) (action.Result, error) {
	logTags := log.Fields{"module": "cmd", "component": "action", "instance": scope.Key()}

	// the REST path does not need the event channel; only the fallback does
	if !system.WaitConnected(runtimeContext) {
		log.WithFields(logTags).Warn("Event channel not connected, fallback unavailable")
	}
	result := system.Actions.Execute(runtimeContext, scope, cmd)
	encoded, err := json.MarshalIndent(&result, "", "  ")
	if err != nil {
		return result, err
	}
	if _, err := fmt.Fprintf(out, "%s\n", encoded); err != nil {
		return result, err
	}
	if result.Outcome == action.OutcomeFailed {
		return result, fmt.Errorf("%s of %s failed [%s]: %s", cmd, scope.Key(), result.ErrorKind, result.Message)
	}
	return result, nil
}
