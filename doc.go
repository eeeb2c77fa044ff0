/*
Package lqs is a local queue service: queues with send, receive and delete,
a per-engine visibility timeout, and at-least-once delivery, backed by
process memory, a directory of flat files shared between processes, SQLite
or PostgreSQL.

Open an engine and use it through the QueueService interface:

	eng, err := lqs.Open(ctx, lqs.Config{Backend: "file", RootDir: "./.data/queues", VisibilityTimeout: 30 * time.Second})
	if err != nil {
		return err
	}
	defer eng.Close()

	url, _ := eng.CreateQueue(ctx, "orders")
	_, _ = eng.SendMessage(ctx, url, []byte("hello"))
	msg, ok, _ := eng.ReceiveMessage(ctx, url)
	if ok {
		_ = eng.DeleteMessage(ctx, url, msg.ReceiptHandle)
	}

The module also ships the lqs command:

	go install github.com/nuetzliches/lqs/cmd/lqs@latest
*/
package lqs
