// Package mqtt311 provides an SDK for implementing MQTT 3.1.1 clients and brokers.
//
// This package implements the MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Features
//
//   - All 14 MQTT 3.1.1 control packet types
//   - QoS 0, 1, 2 message flows with state machines
//   - Topic matching with wildcard support (+, #)
//   - Retained messages, last will, keep-alive, persistent sessions
//   - Transport: TCP, WebSocket
//   - Pluggable interfaces for session storage, authentication and metrics
//
// # Packet Types
//
// The package provides structs for all MQTT 3.1.1 control packets:
//
//   - ConnectPacket, ConnackPacket: Connection establishment
//   - PublishPacket, PubackPacket, PubrecPacket, PubrelPacket, PubcompPacket: Message delivery
//   - SubscribePacket, SubackPacket: Topic subscription
//   - UnsubscribePacket, UnsubackPacket: Topic unsubscription
//   - PingreqPacket, PingrespPacket: Keep-alive
//   - DisconnectPacket: Connection termination
//
// Use ReadPacket and WritePacket to read/write packets from/to connections:
//
//	// Read a packet
//	pkt, n, err := mqtt311.ReadPacket(conn, maxPacketSize)
//
//	// Write a packet
//	n, err := mqtt311.WritePacket(conn, packet, maxPacketSize)
//
// For non-blocking transports, Decoder accumulates arbitrary byte chunks and
// yields complete packets once enough data has arrived:
//
//	dec := mqtt311.NewDecoder(maxPacketSize)
//	dec.Feed(chunk)
//	pkt, err := dec.Next() // ErrIncomplete until a full packet is buffered
//
// # Client
//
// Use the high-level Client API for connecting to MQTT brokers:
//
//	client, err := mqtt311.Dial("localhost:1883",
//	    mqtt311.WithClientID("my-client"),
//	    mqtt311.WithKeepAlive(60),
//	)
//	defer client.Disconnect()
//
//	client.Subscribe(ctx, "sensors/#", mqtt311.QoS1, func(msg mqtt311.Message) {
//	    log.Printf("message on %s", msg.Topic)
//	})
//	client.Publish(ctx, "sensors/1/temperature", []byte("21.5"), mqtt311.QoS1, false)
//
// # Server
//
// Use the high-level Server API for building MQTT brokers:
//
//	listener, _ := mqtt311.NewTCPListener(":1883")
//	srv := mqtt311.NewServer(
//	    mqtt311.WithListener(listener),
//	    mqtt311.OnPublish(func(clientID string, msg mqtt311.Message) {
//	        log.Printf("%s published on %s", clientID, msg.Topic)
//	    }),
//	)
//	srv.Serve()
//
// Each accepted connection runs as one unit of work on a bounded worker
// pool, so the number of concurrently served connections is capped by the
// pool size rather than growing without bound.
package mqtt311
