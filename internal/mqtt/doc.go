// Package mqtt forwards run telemetry to an MQTT broker. Every event on
// the bus is published as JSON under <prefix>/runs/<run_id>/<kind>, and
// a small set of retained state topics reports the process's health.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
package mqtt
