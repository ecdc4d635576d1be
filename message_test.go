package fjage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Msg) Msg {
	t.Helper()
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	out, err := DecodeMessage(data)
	require.NoError(t, err)
	return out
}

func addressed(msg Msg) Msg {
	b := msg.Base()
	sender := NewAgentID("gateway-1")
	recipient := NewAgentID("node")
	b.Sender = &sender
	b.Recipient = &recipient
	b.SentAt = 1700000000000
	return msg
}

func TestMessage_DefaultPerformative(t *testing.T) {
	assert.Equal(t, Request, NewMessage("org.arl.unet.phy.TxFrameReq").Perf)
	assert.Equal(t, Inform, NewMessage("org.arl.unet.phy.RxFrameNtf").Perf)
	assert.Equal(t, Request, NewParameterReq().Perf)
	assert.Equal(t, Inform, NewParameterRsp().Perf)
	assert.NotEmpty(t, NewMessage(MessageClass).ID)
	assert.NotEqual(t, NewMessage(MessageClass).ID, NewMessage(MessageClass).ID)
}

func TestMessage_WireShape(t *testing.T) {
	msg := addressed(NewShellExecReq("ps"))
	msg.Base().ID = "m-1"

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"clazz": "org.arl.fjage.shell.ShellExecReq",
		"data": {
			"msgID": "m-1",
			"perf": "REQUEST",
			"sender": "gateway-1",
			"recipient": "node",
			"sentAt": 1700000000000,
			"cmd": "ps"
		}
	}`, string(data))
}

func TestMessage_TopicRecipient(t *testing.T) {
	msg := NewMessage(MessageClass)
	topic := NewTopicID("node__ntf")
	msg.Recipient = &topic

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"recipient":"#node__ntf"`)

	out := roundTrip(t, msg)
	require.NotNil(t, out.Base().Recipient)
	assert.True(t, out.Base().Recipient.IsTopic())
	assert.Equal(t, "node__ntf", out.Base().Recipient.Name())
}

func TestMessage_RoundTrip(t *testing.T) {
	paramReq := NewParameterReq()
	paramReq.Index = 2
	paramReq.Param = "gain"
	paramReq.Value = 3.5
	paramReq.Requests = []ParamEntry{{Param: "mode", Value: "fast"}, {Param: "taps"}}

	paramRsp := NewParameterRsp()
	paramRsp.InReplyTo = "req-1"
	paramRsp.Param = "phy.signal"
	paramRsp.Value = DoubleArray{1.5, -2.25}
	paramRsp.Values = map[string]any{"phy.window": FloatArray{0.5, -1}, "phy.name": "phy"}
	paramRsp.ReadOnly = []string{"phy.name"}

	getRsp := NewGetFileRsp()
	getRsp.Filename = "logs/1.txt"
	getRsp.Ofs = 10
	getRsp.Contents = ByteArray{104, 105, -1}

	getReq := NewGetFileReq("logs/1.txt")
	getReq.Ofs = 5
	getReq.Len = 100

	shell := NewShellExecReq("")
	shell.Script = "boot.groovy"
	shell.Args = []string{"-v"}
	shell.Ans = true

	tests := []struct {
		name string
		msg  Msg
	}{
		{"message", NewMessage(MessageClass)},
		{"parameter request", paramReq},
		{"parameter response", paramRsp},
		{"get file request", getReq},
		{"get file response", getRsp},
		{"put file request", NewPutFileReq("a.txt", []byte("hi"))},
		{"delete file request", NewPutFileReq("a.txt", nil)},
		{"shell", shell},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := addressed(tt.msg)
			out := roundTrip(t, in)
			assert.IsType(t, in, out)
			assert.Equal(t, in, out)
		})
	}
}

func TestMessage_ExtraFields(t *testing.T) {
	msg := NewGenericMessage()
	msg.SetField("signal", ShortArray{1, -2, 300})
	msg.SetField("label", "rx")
	msg.SetField("meta", map[string]any{"rssi": -40.0, "samples": IntArray{7, -7}})
	msg.SetField("__cache", "local only")

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "__cache")

	out := roundTrip(t, msg).Base()
	assert.Equal(t, GenericMessageClass, out.Class)
	assert.Equal(t, ShortArray{1, -2, 300}, out.Field("signal"))
	assert.Equal(t, "rx", out.Field("label"))
	assert.Equal(t, map[string]any{"rssi": json.Number("-40"), "samples": IntArray{7, -7}}, out.Field("meta"))
	assert.Nil(t, out.Field("__cache"))
}

func TestMessage_ExtraIntegersKeepPrecision(t *testing.T) {
	raw := `{"clazz":"org.arl.unet.phy.RxFrameNtf","data":{"msgID":"m-1","perf":"INFORM","rxTime":9007199254740993,"ids":[18446744073709551615,1]}}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	b := msg.Base()

	n, ok := b.Field("rxTime").(json.Number)
	require.True(t, ok)
	i, err := n.Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 9007199254740993, i)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rxTime":9007199254740993`)
	assert.Contains(t, string(data), `"ids":[18446744073709551615,1]`)
}

func TestMessage_DeclaredFieldWins(t *testing.T) {
	req := NewShellExecReq("ls")
	req.SetField("cmd", "rm -rf /")

	data, err := EncodeMessage(req)
	require.NoError(t, err)

	out, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "ls", out.(*ShellExecReq).Cmd)
}

func TestMessage_UnknownClassFallsBack(t *testing.T) {
	raw := `{"clazz":"org.arl.unet.phy.RxFrameNtf","data":{"msgID":"m-9","perf":"INFORM","rssi":-42,"data":{"clazz":"[B","data":"Af9/"}}}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	require.IsType(t, &Message{}, msg)

	b := msg.Base()
	assert.Equal(t, "org.arl.unet.phy.RxFrameNtf", b.Class)
	assert.Equal(t, "m-9", b.ID)
	assert.Equal(t, Inform, b.Perf)
	assert.Equal(t, json.Number("-42"), b.Field("rssi"))
	assert.Equal(t, ByteArray{1, -1, 127}, b.Field("data"))

	// Re-encoding keeps the class and the uninterpreted fields.
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "org.arl.unet.phy.RxFrameNtf", back["clazz"])
	assert.Equal(t, -42.0, back["data"].(map[string]any)["rssi"])
}

func TestMessage_DecodeMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"clazz":`))
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)

	_, err = DecodeMessage([]byte(`{"clazz":"org.arl.fjage.shell.ShellExecReq","data":{"cmd":5}}`))
	assert.ErrorAs(t, err, &codecErr)
	assert.Equal(t, ShellExecReqClass, codecErr.Class)
}

type txFrameReq struct {
	Message
	Type int       `json:"type"`
	Data ByteArray `json:"data"`
}

func TestRegisterMessage(t *testing.T) {
	const class = "org.arl.unet.phy.TxFrameReq"
	RegisterMessage(class, func() Msg { return &txFrameReq{Message: *NewMessage(class)} })

	factory, ok := LookupMessage(class)
	require.True(t, ok)
	assert.IsType(t, &txFrameReq{}, factory())
	assert.Contains(t, RegisteredClasses(), class)

	in := &txFrameReq{Message: *NewMessage(class), Type: 2, Data: ByteArray{1, 2, 3}}
	out := roundTrip(t, in)
	assert.Equal(t, in, out)
}

func TestSetInReplyTo(t *testing.T) {
	req := addressed(NewParameterReq())
	rsp := NewParameterRsp()
	rsp.SetInReplyTo(req)

	assert.Equal(t, req.Base().ID, rsp.InReplyTo)
	require.NotNil(t, rsp.Recipient)
	assert.Equal(t, "gateway-1", rsp.Recipient.Name())
}

func TestStandardClassesRegistered(t *testing.T) {
	classes := RegisteredClasses()
	for _, class := range []string{
		MessageClass,
		GenericMessageClass,
		ParameterReqClass,
		ParameterRspClass,
		ShellExecReqClass,
		GetFileReqClass,
		GetFileRspClass,
		PutFileReqClass,
	} {
		assert.Contains(t, classes, class)
	}
}
