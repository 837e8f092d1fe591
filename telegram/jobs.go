package telegram

import (
	"fmt"
	"unicode/utf8"

	"github.com/beevik/etree"

	"ltalink/xmlmeta"
)

// maxJobsPerResponse caps how many jobs one job list or plan response yields.
const maxJobsPerResponse = 51

const (
	orderNoteParts    = 10
	orderNotePartSize = 254
)

var (
	orderAttrs = []string{"no", "name", "customerNo", "customerName", "deliveryDate"}
	prodAttrs  = []string{"no", "name", "paperNo", "paperName", "amount"}
	jobAttrs   = []string{
		"no", "name", "amount", "minAmount", "maxAmount", "subsidy", "subsidy2", "copy",
		"status", "setupTime", "printTime", "planStart", "workplaceId", "planningState",
		"priority", "startupWaste", "grossCopies", "netCopies", "markOrDetect",
	}
)

// jobData publishes Response > Order > Prod > Job as a flat jobData[i] list.
func jobData(limit int) func(r *Reply) {
	return func(r *Reply) {
		resp := r.Doc.Response()
		if resp == nil {
			return
		}
		if limit > maxJobsPerResponse {
			limit = maxJobsPerResponse
		}
		i := 0
		for _, order := range resp.SelectElements("Order") {
			for _, prod := range order.SelectElements("Prod") {
				for _, job := range prod.SelectElements("Job") {
					if i >= limit {
						return
					}
					p := fmt.Sprintf("jobData[%d].", i)
					r.SetAttrs(p+"order.", order, orderAttrs...)
					r.SetAttrs(p+"prod.", prod, prodAttrs...)
					r.SetAttr(p+"prod.paperTickness", prod, "paperThickness", "paperTickness")
					r.SetAttrs(p+"job.", job, jobAttrs...)
					r.SetAttr(p+"job.rePro", job, "repro")
					i++
				}
			}
		}
	}
}

func parseJobList(r *Reply) {
	jobData(r.Limit("maxNumberOfJob", 100))(r)
}

func parseJobPlan(r *Reply) {
	jobData(maxJobsPerResponse)(r)
}

func parseJobInfo(r *Reply) {
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	order := resp.SelectElement("Order")
	if order == nil {
		return
	}
	r.SetAttr("order.no", order, "no")
	prod := order.SelectElement("Prod")
	if prod == nil {
		return
	}
	r.SetAttr("order.prod.no", prod, "no")
	if job := prod.SelectElement("Job"); job != nil {
		r.SetAttrs("order.prod.job.", job, "no", "planSpeed", "plusProduction")
	}
}

// parseEnergy publishes the production and energy attributes of the Response element.
func parseEnergy(r *Reply) {
	if resp := r.Doc.Response(); resp != nil {
		r.SetAttrs("", resp, "productionOutput", "energyLevel", "energyMachine")
	}
}

func parseGetOrderNote(r *Reply) {
	parseEnergy(r)
	resp := r.Doc.Response()
	if resp == nil {
		return
	}
	note := resp.SelectElement("OrderNote")
	if note == nil {
		return
	}
	for i, part := range splitRunes(xmlmeta.Text(note), orderNotePartSize, orderNoteParts) {
		r.Set(fmt.Sprintf("orderNote[%d]", i), part)
	}
}

// splitRunes cuts s into at most limit chunks of size runes each.
func splitRunes(s string, size, limit int) []string {
	var parts []string
	for s != "" && len(parts) < limit {
		if utf8.RuneCountInString(s) <= size {
			parts = append(parts, s)
			break
		}
		cut := 0
		for n := 0; n < size; n++ {
			_, w := utf8.DecodeRuneInString(s[cut:])
			cut += w
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	return parts
}

func buildJobList(r *Request) error {
	r.Element(nil, "Job", F("orderNo", "job.orderNo", "*"), F("prodNo", "job.prodNo", "*"), F("jobNo", "job.jobNo", "*"))
	r.Element(nil, "JobList",
		F("sameMachineType", "jobList.sameMachineType", "false"),
		F("max", "jobList.max", "300"),
		F("plateCheck", "jobList.plateCheck", "0"))
	return nil
}

// jobRef is the Job element most requests use to address one job.
func jobRef(r *Request, def string) *etree.Element {
	return r.Element(nil, "Job", F("orderNo", "job.orderNo", def), F("prodNo", "job.prodNo", def), F("jobNo", "job.jobNo", def))
}

func buildJobRef(r *Request) error {
	jobRef(r, "")
	return nil
}

func buildMachinePlanList(r *Request) error {
	n := 0
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("job[%d].", i)
		if !r.Has(p + "orderNo") {
			continue
		}
		r.Element(nil, "Job", F("orderNo", p+"orderNo", ""), F("prodNo", p+"prodNo", ""), F("jobNo", p+"jobNo", ""))
		n++
	}
	if n == 0 {
		return fmt.Errorf("no job[i].orderNo set")
	}
	return nil
}
