package tagstore

import "encoding/json"

// Value is one {id, val} pair of a databus value message.
// Inbound messages also carry a quality code and timestamp; outbound ones omit them.
type Value struct {
	ID  string      `json:"id"`
	QC  *int        `json:"qc,omitempty"`
	TS  string      `json:"ts,omitempty"`
	Val interface{} `json:"val"`
}

// Record is one entry of the wrapped value-message form.
type Record struct {
	Vals []Value `json:"vals"`
}

// Batch is a databus value message. Connectors send either {vals:[...]}
// or {records:[{vals:[...]}]}; Values unwraps both.
type Batch struct {
	Seq     int      `json:"seq"`
	Vals    []Value  `json:"vals,omitempty"`
	Records []Record `json:"records,omitempty"`
}

// Values returns the value list, taking the first record when the batch is wrapped.
func (b Batch) Values() []Value {
	if b.Vals != nil {
		return b.Vals
	}
	if len(b.Records) > 0 {
		return b.Records[0].Vals
	}
	return nil
}

// ParseBatch decodes a value message from the databus.
func ParseBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Metadata is the connector schema message listing every data point.
type Metadata struct {
	ApplicationName string       `json:"applicationName,omitempty"`
	Seq             int          `json:"seq,omitempty"`
	HashVersion     int64        `json:"hashVersion,omitempty"`
	StatusTopic     string       `json:"statustopic,omitempty"`
	Connections     []Connection `json:"connections"`
}

// Connection groups the data points of one connector connection.
type Connection struct {
	Name       string      `json:"name"`
	Type       string      `json:"type,omitempty"`
	DataPoints []DataPoint `json:"dataPoints"`
}

// DataPoint is a named set of tag definitions.
type DataPoint struct {
	Name        string       `json:"name"`
	Topic       string       `json:"topic,omitempty"`
	PubTopic    string       `json:"pubTopic,omitempty"`
	PublishType string       `json:"publishType,omitempty"`
	Definitions []Definition `json:"dataPointDefinitions"`
}

// Definition declares one tag.
type Definition struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	DataType             string `json:"dataType"`
	AccessMode           string `json:"accessMode,omitempty"`
	AcquisitionCycleInMs int    `json:"acquisitionCycleInMs,omitempty"`
	AcquisitionMode      string `json:"acquisitionMode,omitempty"`
}

// ParseMetadata decodes a schema message from the databus.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
