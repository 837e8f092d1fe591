package telegram

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAccept(t *testing.T) {
	env, link, _ := newTestEnv(tagMap{"LTA-Data.accept.toServer.maxConnections": float64(4)})
	require.NoError(t, find(t, env, "accept").Build())

	f := link.last(t)
	assert.Equal(t, TypeAccept, f.TypeID)
	require.Len(t, f.Body, 4+serverInfoSize)
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(f.Body[0:2]))
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(f.Body[2:4]))
	assert.Equal(t, "1.0.3.9", readASCII(f.Body[4:]))
}

func TestBuildVersionInfo(t *testing.T) {
	env, link, _ := newTestEnv(tagMap{"LTA-Data.versionInfo.toServer.clientVersion": "2.4"})
	require.NoError(t, find(t, env, "versionInfo").Build())

	body := link.last(t).Body
	require.Len(t, body, 3*versionFieldSize)
	assert.Equal(t, "0", readASCII(body[:versionFieldSize]))
	assert.Equal(t, "2.4", readASCII(body[versionFieldSize:2*versionFieldSize]))
	assert.Equal(t, "0", readASCII(body[2*versionFieldSize:]))
}

func TestBuildInfo(t *testing.T) {
	env, link, _ := newTestEnv(tagMap{})
	require.NoError(t, find(t, env, "info").Build())

	body := link.last(t).Body
	require.Len(t, body, workplaceHeadSize)
	assert.Equal(t, "RA162-4", readASCII(body[:workplaceNameSize]))
	assert.Equal(t, "DM", readASCII(body[workplaceNameSize:workplaceNameSize+workplaceTypeSize]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(body[workplaceNameSize+workplaceTypeSize:]))
}

func TestBuildWorkplaceSetupLength(t *testing.T) {
	tests := []struct {
		name   string
		length float64
		ok     bool
	}{
		{"small", 3, true},
		{"frame limit", float64(maxWorkplaceData + 1), false},
		{"u32 max", 4294967295, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, link, _ := newTestEnv(tagMap{"LTA-Data.workplaceSetup.toServer.workplaceDataLength": tc.length})
			err := find(t, env, "workplaceSetup").Build()
			if tc.ok {
				require.NoError(t, err)
				assert.Len(t, link.last(t).Body, workplaceHeadSize+int(tc.length)-1)
				return
			}
			assert.ErrorIs(t, err, ErrFieldRange)
			assert.Empty(t, link.frames)
		})
	}
}

func TestErrorTextIsLogOnly(t *testing.T) {
	env, link, pub := newTestEnv(tagMap{})
	tg := find(t, env, "errorText")
	require.NoError(t, tg.Build())
	tg.Handle([]byte("some text"))
	assert.Empty(t, link.frames)
	assert.Empty(t, pub.all())
}

func TestHandleBinary(t *testing.T) {
	version := make([]byte, 4, 4+3*versionFieldSize)
	binary.BigEndian.PutUint32(version, 7)
	version = append(version, ascii("3", versionFieldSize)...)
	version = append(version, ascii("LT 12", versionFieldSize)...)
	version = append(version, ascii("r99", versionFieldSize)...)

	accept := []byte{0, 2, 0, 16}
	accept = append(accept, ascii("srv 1.0", serverInfoSize)...)

	errBody := make([]byte, 4)
	binary.BigEndian.PutUint32(errBody, uint32(0xFFFFFFFE))
	errBody = append(errBody, ascii("bad frame", messageSize)...)

	tests := []struct {
		name string
		body []byte
		want map[string]interface{}
	}{
		{
			name: "versionInfo",
			body: version,
			want: map[string]interface{}{
				"commFrame":         uint32(7),
				"protocolVersion":   "3",
				"logotronicVersion": "LT 12",
				"serverRevision":    "r99",
			},
		},
		{
			name: "accept",
			body: accept,
			want: map[string]interface{}{
				"currentIndex":   uint16(2),
				"maxConnections": uint16(16),
				"serverInfo":     "srv 1.0",
			},
		},
		{
			name: "timeRequest",
			body: []byte{0x65, 0x00, 0x00, 0x01, 0x00, 0x01},
			want: map[string]interface{}{
				"timeStamp":  uint32(0x65000001),
				"summerTime": uint16(1),
			},
		},
		{
			name: "error",
			body: errBody,
			want: map[string]interface{}{
				"code":    int32(-2),
				"message": "bad frame",
			},
		},
		{
			name: "workplaceInfo",
			body: append(append(append(ascii("WP1", workplaceNameSize), ascii("DM", workplaceTypeSize)...), 0, 0, 0, 2), 0xAB, 0xCD, 0xEF),
			want: map[string]interface{}{
				"workplaceName":       "WP1",
				"workplaceType":       "DM",
				"workplaceDataLength": uint32(2),
				"workplaceData":       "abcd",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tags := tagMap{}
			want := map[string]interface{}{}
			for rel, v := range tc.want {
				declare(tags, tc.name, rel)
				want["LTA-Data."+tc.name+".toMachine."+rel] = v
			}
			env, _, pub := newTestEnv(tags)
			find(t, env, tc.name).Handle(tc.body)

			calls := pub.all()
			require.Len(t, calls, 1)
			assert.Equal(t, want, calls[0])
		})
	}
}

func TestHandleBinaryShortBody(t *testing.T) {
	tags := tagMap{}
	declare(tags, "timeRequest", "timeStamp", "summerTime")
	env, _, pub := newTestEnv(tags)
	find(t, env, "timeRequest").Handle([]byte{1, 2, 3})
	assert.Empty(t, pub.all())
}

func TestHandleBinaryUndeclared(t *testing.T) {
	env, _, pub := newTestEnv(tagMap{})
	find(t, env, "timeRequest").Handle([]byte{0, 0, 0, 1, 0, 0})
	assert.Empty(t, pub.all())
}
