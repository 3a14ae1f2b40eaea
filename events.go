/*
Copyright (C) 2026  markbarrier contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/launix-de/markbarrier/gctrace"
	"github.com/launix-de/markbarrier/marking"
)

const eventBuffer = 256

// eventsHandler streams every lifecycle trace event to a websocket client
// as JSON. A client that falls behind by more than eventBuffer events
// misses events instead of slowing the collector.
func eventsHandler(res http.ResponseWriter, req *http.Request) {
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	ws, err := upgrader.Upgrade(res, req, nil)
	if err != nil {
		marking.Log.Warning("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	events := make(chan gctrace.Event, eventBuffer)
	unsubscribe := gctrace.Subscribe(func(e gctrace.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			// incoming messages are ignored; the read fails once the client closes
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// serveEvents starts the event stream at ws://host:port/events.
func serveEvents(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", eventsHandler)
	go func() {
		if err := http.ListenAndServe(":"+strconv.Itoa(port), mux); err != nil {
			marking.Log.Error("event server: %v", err)
		}
	}()
	marking.Log.Info("streaming trace events on :%d/events", port)
}
