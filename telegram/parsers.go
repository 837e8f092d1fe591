package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"ltalink/xmlmeta"
)

const (
	maxRepetitionBytes = 2048
	maxPreviewImages   = 2
	shiftDays          = 7
	shiftsPerDay       = 3
)

func parsePersonnel(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	limit := r.Limit("maxNumberOfPersonnel", 16)
	for i, p := range resp.SelectElements("Personal") {
		if i >= limit {
			break
		}
		pre := fmt.Sprintf("personal[%d].", i)
		r.SetAttr(pre+"internalId", p, "internalId", "internalld")
		r.SetAttrs(pre, p, "id", "firstName", "lastName", "job", "password", "loginAs", "loginTime")
		r.SetAttr(pre+"loginWorkplaceId", p, "loginWorkplaceId", "loginWorkplaceld")
		r.SetAttr(pre+"break", p, "pause", "break")
		if jpeg := p.SelectElement("JPEGData"); jpeg != nil {
			r.Set(pre+"JPEGData", xmlmeta.Text(jpeg))
		}
	}
}

func parseUserEventsQuery(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	maxGroups := r.Limit("maxNumberOfUserEventGroup", 10)
	maxEvents := r.Limit("maxNumberOfUserEvent", 10)
	for g, group := range resp.SelectElements("EventGroup") {
		if g >= maxGroups {
			break
		}
		gp := fmt.Sprintf("eventGroup[%d].", g)
		r.SetAttr(gp+"name", group, "name")
		for e, ev := range group.SelectElements("UserEvent") {
			if e >= maxEvents {
				break
			}
			r.SetAttrs(fmt.Sprintf("%suserEvent[%d].", gp, e), ev,
				"no", "name", "type", "machineTime", "machineTimeName", "sendPolicy",
				"sendPolicy2", "blockingPolicy", "interruptRun", "speedReduction")
		}
	}
}

func parseAssistantTaskQuery(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	maxGroups := r.Limit("maxNumberOfUserAssistantTaskGroup", 8)
	maxTasks := r.Limit("maxNumberOfUserAssistantTask", 8)
	for g, group := range resp.SelectElements("TaskGroup") {
		if g >= maxGroups {
			break
		}
		gp := fmt.Sprintf("taskGroup[%d].", g)
		r.SetAttrs(gp, group, "no", "name")
		for t, task := range group.SelectElements("AssistantTask") {
			if t >= maxTasks {
				break
			}
			r.SetAttrs(fmt.Sprintf("%sassistantTask[%d].", gp, t), task, "no", "text", "priority")
		}
	}
}

func parseActiveAssistantTasks(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	limit := r.Limit("maxNumberOfUserActiveAssistantTasks", 16)
	for i, task := range resp.SelectElements("AssistantTask") {
		if i >= limit {
			break
		}
		r.SetAttrs(fmt.Sprintf("assistantTask[%d].", i), task,
			"no", "text", "priority", "kind", "groupNo", "workingTaskId", "parameter", "comment")
	}
}

// parseMachineShifts publishes Response > MachineShifts > ShiftDay > Shift with 1-based indexes.
func parseMachineShifts(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	r.SetAttr("shiftCount", resp, "shiftCount")
	shifts := resp.SelectElement("MachineShifts")
	if shifts == nil {
		return
	}
	for d, day := range shifts.SelectElements("ShiftDay") {
		if d >= shiftDays {
			break
		}
		dp := fmt.Sprintf("machineShifts.shiftDay[%d].", d+1)
		r.SetAttr(dp+"value", day, "value")
		for s, shift := range day.SelectElements("Shift") {
			if s >= shiftsPerDay {
				break
			}
			r.SetAttrs(fmt.Sprintf("%sshift[%d].", dp, s+1), shift, "shiftNo", "startTime", "endTime", "startDay")
		}
	}
}

func parseReadRepetitionData(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	rrd := resp.SelectElement("ReadRepetitionData")
	if rrd == nil {
		return
	}
	const p = "readRepetitionData."
	if xmlmeta.Attr(rrd, "preset", "repro", "workplaceName") != nil {
		r.SetAttrs(p, rrd, "preset", "repro", "workplaceName")
		return
	}
	for i, b := range repetitionBytes(xmlmeta.Text(rrd)) {
		r.Set(fmt.Sprintf("%srawData.byteArray[%d]", p, i), b)
	}
}

// repetitionBytes parses a comma separated byte list, skipping entries that are not numbers.
func repetitionBytes(s string) []float64 {
	if s == "" {
		return nil
	}
	var out []float64
	for _, part := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			continue
		}
		out = append(out, f)
		if len(out) == maxRepetitionBytes {
			break
		}
	}
	return out
}

// previewNodes returns the JPEGData elements under Response, or at document level when
// the server sends them as siblings of Response.
func previewNodes(doc *xmlmeta.Document) []*etree.Element {
	if resp := doc.Response(); resp != nil {
		if nodes := resp.SelectElements("JPEGData"); len(nodes) > 0 {
			return nodes
		}
	}
	var nodes []*etree.Element
	for _, el := range doc.TopLevel() {
		if el.Tag == "JPEGData" {
			nodes = append(nodes, el)
		}
	}
	return nodes
}

func (e *Env) parsePreview(r *Reply) {
	nodes := previewNodes(r.Doc)
	if len(nodes) == 0 {
		e.logFn("preview response carries no JPEGData")
		return
	}
	images := make([]Image, 0, maxPreviewImages)
	for i, node := range nodes {
		side := xmlmeta.AttrValue(node, "side")
		data := xmlmeta.Text(node)
		if !r.Set(fmt.Sprintf("JPEGData[%d].side", i), side) {
			r.Set("JPEGData.side", side)
		}
		if !r.Set(fmt.Sprintf("JPEGData[%d].cdata", i), data) {
			r.Set("JPEGData.cdata", data)
		}
		if len(images) < maxPreviewImages {
			images = append(images, Image{Side: side, DataURL: "data:image/jpeg;base64," + data})
		}
	}
	if e.hooks.Preview != nil {
		e.hooks.Preview(images)
	}
}
