package main

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// eventsHandler streams task lifecycle events over Server-Sent Events,
// adapted from a typical Server-Sent-Events handler.
func eventsHandler(rdb *redis.Client, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		pubsub := rdb.Subscribe(ctx, eventsChannel)
		defer pubsub.Close()
		ch := pubsub.Channel()

		fmt.Fprint(w, "data: {\"type\":\"ping\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
				flusher.Flush()
			}
		}
	}
}

// redriveDLQHandler moves every entry in the stream's dead-letter
// sibling back onto the main stream, adapted from
// a typical dead-letter-queue redrive handler.
func redriveDLQHandler(rdb *redis.Client, stream string, log logrus.FieldLogger) http.HandlerFunc {
	dlqStream := stream + "_dlq"
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx := r.Context()

		entries, err := rdb.XRange(ctx, dlqStream, "-", "+").Result()
		if err != nil {
			http.Error(w, "failed to read dead-letter stream", http.StatusInternalServerError)
			return
		}

		redriven := 0
		for _, entry := range entries {
			if _, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: entry.Values}).Result(); err != nil {
				log.WithError(err).WithField("id", entry.ID).Warn("failed to redrive dead-lettered message")
				continue
			}
			rdb.XDel(ctx, dlqStream, entry.ID)
			redriven++
		}

		fmt.Fprintf(w, `{"redriven":%d}`, redriven)
	}
}
