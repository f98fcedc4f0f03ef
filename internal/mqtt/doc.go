// Package mqtt maintains the node's broker connection and publishes
// readings.
//
// A [Client] owns at most one live [Session]. When the session drops,
// the client goes back to Disconnected and stays there until someone
// calls [Client.Reconnect]; there is no background reconnect. Every
// attempt uses a fresh pseudo-random client identifier so a broker
// still holding the previous session never rejects the new one as a
// duplicate.
//
// Two wire backends implement Session: MQTT v5 on top of the
// low-level paho.golang client, and MQTT v3.1.1 on top of
// paho.mqtt.golang. On every connect the client publishes a birth
// message to its availability topic (the will message flips it to
// "offline"), optionally publishes retained Home Assistant discovery
// configs for the temperature and humidity entities, and subscribes to
// the configured topic filters.
package mqtt
