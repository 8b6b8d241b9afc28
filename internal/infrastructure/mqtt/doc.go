// Package mqtt provides MQTT client connectivity for budlink.
//
// This package manages:
//   - Connection to a broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) so consumers notice a crashed daemon
//
// # Architecture
//
// MQTT is the home-automation facing surface of the daemon. Home Assistant,
// Node-RED or a shell script publish commands for a headset and watch its
// retained state topic:
//
//	automation ↔ MQTT broker ↔ budlink ↔ L2CAP ↔ headset
//
// # Security Considerations
//
//   - Enable TLS when the broker is not on localhost (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleCommand(topic, payload)
//	    })
//
//	client.PublishRetained(mqtt.Topics{}.DeviceState(mac), stateJSON)
package mqtt
