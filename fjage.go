// Package fjage provides a Go client for fjage agent containers.
//
// A [Gateway] holds one connection to a container, over WebSocket or raw
// TCP, and lets an application exchange messages with the agents the
// container hosts. Messages travel as newline-delimited JSON. The gateway
// reconnects after failures, correlates replies with requests, buffers
// unclaimed messages in a bounded queue and answers the container's
// directory queries as a peer hosting a single agent.
//
// # Thread Safety
//
// [Gateway], [Connector] and [Registry] are safe for concurrent use by
// multiple goroutines. A [MessageStream] should only be consumed by a single
// goroutine. Message values are not synchronized.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	gw, err := fjage.Connect(ctx, fjage.WithHostname("localhost"), fjage.WithPort(8080))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	shell, err := gw.AgentForService(ctx, "org.arl.fjage.shell.Services.SHELL")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rsp, err := shell.Request(ctx, fjage.NewShellExecReq("ps"), 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if rsp != nil {
//	    fmt.Println(rsp.Base().Perf)
//	}
//
// # Parameters
//
// Agents expose named parameters, read and written through their [AgentID]:
//
//	node := gw.Agent("node")
//	addr, err := node.Get(ctx, "address")
//	_, err = node.Set(ctx, "gain", 42, fjage.AtIndex(1))
//
// # Custom Messages
//
// Message types are registered by their fully-qualified class name. A type
// embeds [Message] and adds its fields:
//
//	type TxFrameReq struct {
//	    fjage.Message
//	    Data fjage.ByteArray `json:"data"`
//	}
//
//	const TxFrameReqClass = "org.arl.unet.phy.TxFrameReq"
//
//	func NewTxFrameReq() *TxFrameReq {
//	    return &TxFrameReq{Message: *fjage.NewMessage(TxFrameReqClass)}
//	}
//
//	fjage.RegisterMessage(TxFrameReqClass, func() fjage.Msg { return NewTxFrameReq() })
//
// Messages of unregistered classes decode to *[Message] with their fields
// in Extra.
//
// # Observability
//
// Use [WithLogger], [WithOnSend], and [WithOnReceive] to add logging and
// monitoring to the gateway:
//
//	gw, err := fjage.Connect(ctx,
//	    fjage.WithLogger(slog.Default()),
//	    fjage.WithOnSend(func(env *fjage.JSONMessage) {
//	        metrics.EnvelopesSent.Inc()
//	    }),
//	)
package fjage
