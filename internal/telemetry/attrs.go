package telemetry

import "go.opentelemetry.io/otel/attribute"

func attrServer(server string) attribute.KeyValue { return attribute.String("server", server) }
func attrEffect(effect string) attribute.KeyValue { return attribute.String("effect", effect) }
func attrEvent(event string) attribute.KeyValue   { return attribute.String("event", event) }
