// Demo collaborator: loads the board over REST, keeps a local view in
// sync through the websocket channel, and optionally creates tasks on
// an interval so several copies can exercise the fan-out against one
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"

	var createEvery time.Duration
	if v := os.Getenv("CREATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid CREATE_INTERVAL: %v", err)
		}
		createEvery = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := client.NewAPIClient(serverURL)
	reducer := client.NewReducer()

	reload := func() {
		tasks, err := rest.ListTasks(ctx, "")
		if err != nil {
			logger.WithError(err).Warn("baseline load failed")
			return
		}
		reducer.SetBaseline(tasks)
		logger.WithField("tasks", len(tasks)).Info("baseline loaded")
	}

	ch := client.NewChannel(wsURL, logger, client.WithOnConnect(reload))
	defer ch.Close()

	apply := func(ev domain.Event) {
		reducer.Apply(ev)
		logger.WithFields(log.Fields{
			"event": ev.EventType(),
			"tasks": len(reducer.Tasks()),
		}).Info("board updated")
	}
	ch.On(domain.EventTaskCreated, apply)
	ch.On(domain.EventTaskUpdated, apply)
	ch.On(domain.EventTasksReordered, apply)
	ch.On(domain.EventTaskDeleted, apply)
	ch.On(domain.EventError, func(ev domain.Event) {
		if e, ok := ev.(domain.ErrorEvent); ok {
			logger.WithField("detail", e.Detail).Warnf("server rejected intent: %s", e.Message)
		}
	})

	go ch.Run(ctx)

	if createEvery > 0 {
		go func() {
			ticker := time.NewTicker(createEvery)
			defer ticker.Stop()
			n := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n++
					title := fmt.Sprintf("task %d from %d", n, os.Getpid())
					if _, err := ch.Emit(domain.CreateTask{Title: title}, nil); err != nil {
						logger.WithError(err).Warn("create intent not sent")
					}
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
}
