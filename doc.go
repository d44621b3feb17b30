// Package backend runs a WhatsApp bot connection with a durable session and
// a retrying outbound queue behind a small HTTP API.
//
// The session (device keys and credentials) lives in a local directory that
// is mirrored to object storage under a configurable prefix, next to a lock
// record that keeps a second instance from reusing the same credentials.
// On start the server restores the directory, connects, exposes pairing codes
// on /qr while unpaired, uploads the directory whenever it changes and clears
// it remotely when the phone logs the device out.
//
// # Running a server
//
//	cfg := backend.Config{
//	    Store:       "aws://my-bucket?region=eu-north-1",
//	    PhoneNumber: "+5511999999999",
//	    NotifyURL:   "https://bot.example.com/webhook",
//	}
//	srv, stop, err := backend.StartServer(ctx, cfg, backend.WithLogger(logger))
//	if err != nil { return err }
//	defer stop(context.Background())
//
// # Stores
//
// Config.Store selects the backend by URL scheme:
//
//	mem://                                 in-process, for tests
//	disk:///var/lib/wabridge               local filesystem
//	s3://minio:9000/bucket/prefix          S3-compatible (MinIO) via minio-go
//	aws://bucket/prefix?region=us-east-1   AWS S3 via aws-sdk-go-v2
//	azure://account/container/prefix       Azure Blob Storage
//
// A bare Config.Bucket is shorthand for aws://<bucket>.
//
// # HTTP API
//
//	GET  /                 service banner
//	GET  /health           connection, queue and process state (503 while disconnected)
//	GET  /qr               HTML page with the current pairing code
//	GET  /qr.png           pairing code as PNG
//	GET  /api/qr-status    pairing state as JSON
//	POST /send-message     {"to": "...", "message": "..."} into the outbound queue
package backend
