package gateway

import (
	"ltalink/dispatch"
	"ltalink/frame"
	"ltalink/link"
	"ltalink/logging"
	"ltalink/mqtt"
	"ltalink/status"
	"ltalink/tagstore"
	"ltalink/telegram"
	"ltalink/trace"
	"ltalink/valkey"
	"ltalink/xmlmeta"
)

// Bus message kinds counted in metrics.
const (
	kindMetadata = "metadata"
	kindValues   = "values"
	kindStatus   = "status"
)

// linkState maps a link transition to the state reported for the production server.
func linkState(s link.Status, err error) status.State {
	switch {
	case s == link.StatusConnected:
		return status.Connected
	case err != nil:
		return status.Error
	default:
		return status.Disconnected
	}
}

// wire installs every cross-component callback. Each producer reports into
// metrics and the trace directly; consumers outside the core subscribe to Events.
func (g *Gateway) wire() {
	g.bus.SetHandlers(mqtt.Handlers{
		Metadata: func(m tagstore.Metadata) {
			g.metrics.BusMessage(kindMetadata)
			g.dispatch.OnMetadata(m)
		},
		Values: func(b tagstore.Batch) {
			g.metrics.BusMessage(kindValues)
			g.dispatch.OnBusValues(b)
		},
		Status: func(m status.Message) {
			g.metrics.BusMessage(kindStatus)
			g.status.Update(m)
		},
		Databus: g.status.SetDatabus,
	})

	g.link.SetHooks(link.Hooks{
		StatusChanged: func(s link.Status, err error) {
			g.metrics.LinkUp(s == link.StatusConnected)
			g.status.SetLogotronic(linkState(s, err))
			ev := LinkEvent{Status: s.String()}
			if t := g.link.Target(); t.Host != "" {
				ev.Target = t.String()
			}
			if err != nil {
				ev.Error = err.Error()
			}
			g.Events.Emit(Event{Type: EventLinkStatus, Payload: ev})
		},
		Frame:     g.dispatch.OnFrame,
		Discarded: g.metrics.Discarded,
		Reconnecting: func(link.Target) {
			g.metrics.Reconnect()
		},
	})

	g.dispatch.SetHooks(dispatch.Hooks{
		StateChanged: func(s dispatch.State) {
			g.metrics.DispatchState(int(s))
			g.Events.Emit(Event{Type: EventDispatchState, Payload: s})
		},
		TriggerFired: func(name string, err error) {
			g.metrics.Trigger(name, err)
			ev := TriggerEvent{Telegram: name}
			if err != nil {
				ev.Error = err.Error()
				g.record(trace.Entry{Direction: trace.TX, Telegram: name, Error: ev.Error})
			}
			g.Events.Emit(Event{Type: EventTriggerFired, Payload: ev})
		},
		FrameDecoded: func(f frame.Frame, handled bool) {
			name := g.names[f.TypeID]
			size := frame.MinFrameSize + len(f.Body)
			g.metrics.FrameIn(name, size)
			e := trace.Entry{
				Direction:     trace.RX,
				TypeID:        f.TypeID,
				Telegram:      name,
				TransactionID: f.TransactionID,
				WorkplaceID:   f.WorkplaceID,
				Bytes:         size,
			}
			if !handled {
				e.Error = "no handler"
			}
			g.record(e)
		},
		FrameRejected: func(err error) {
			g.metrics.FrameRejected()
			g.record(trace.Entry{Direction: trace.RX, Error: err.Error()})
		},
	})

	g.telegrams.SetHooks(telegram.Hooks{
		Sent: func(name string, typeID uint32, n int) {
			g.metrics.FrameOut(name, n)
			g.record(trace.Entry{Direction: trace.TX, TypeID: typeID, Telegram: name, Bytes: n})
		},
		Response: func(ev telegram.Event) {
			g.metrics.Response(ev.Name, ev.ReturnCode == xmlmeta.SuccessCode)
			g.Events.Emit(Event{Type: EventResponse, Payload: ev})
		},
		Preview: func(images []telegram.Image) {
			g.Events.Emit(Event{Type: EventPreview, Payload: images})
		},
	})

	g.tags.SetOnChange(func(t tagstore.Tag) {
		g.Events.Emit(Event{Type: EventTagChanged, Payload: t})
	})
	g.status.AddListener(func(s status.Snapshot) {
		g.Events.Emit(Event{Type: EventStatusChanged, Payload: s})
	})

	g.wireConsumers()
}

// wireConsumers subscribes the websocket hub and the exporters to Events.
func (g *Gateway) wireConsumers() {
	if g.web != nil {
		hub := g.web.Hub()
		g.Events.SubscribeTypes(func(e Event) {
			switch p := e.Payload.(type) {
			case status.Snapshot:
				hub.BroadcastStatus(p)
			case []telegram.Image:
				hub.BroadcastPreview(p)
			}
		}, EventStatusChanged, EventPreview)
	}

	if g.valkey != nil {
		v := g.valkey
		g.Events.SubscribeTypes(func(e Event) {
			var err error
			switch p := e.Payload.(type) {
			case tagstore.Tag:
				err = v.PublishTag(p.Name, p.ID, p.DataType, p.Value)
			case telegram.Event:
				err = v.PublishResponse(valkey.ResponseMessage{
					Telegram:    p.Name,
					TypeID:      p.TypeID,
					ReturnCode:  p.ReturnCode,
					ErrorReason: p.ErrorReason,
					Values:      p.Values,
					Timestamp:   p.Time.UTC(),
				})
			case status.Snapshot:
				err = v.PublishStatus(p)
			}
			if err != nil {
				logging.DebugLog(logging.ProtoValkey, "%v", err)
			}
		}, EventTagChanged, EventResponse, EventStatusChanged)
	}

	if g.exporter != nil {
		x := g.exporter
		g.Events.SubscribeTypes(func(e Event) {
			if ev, ok := e.Payload.(telegram.Event); ok {
				x.Publish(ev)
			}
		}, EventResponse)
	}
}

func (g *Gateway) record(e trace.Entry) {
	g.trace.Add(e)
	if e.Error != "" {
		logging.DebugLog(logging.ProtoFrame, "%s %s typeId %d: %s", e.Direction, e.Telegram, e.TypeID, e.Error)
	}
}
