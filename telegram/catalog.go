package telegram

import (
	"fmt"
	"strings"

	"ltalink/dispatch"
)

// errorReason returnCode sets for telegrams that deviate from "every code but success".
var (
	zeroOrNegative = []int{0, -1}
	negativeOnly   = []int{-1}
)

const (
	maxPowerCounters  = 4
	maxMachineUnits   = 7
	maxBDEPersonnel   = 10
	maxRepetitionTags = 4096
)

// elements builds a request from a fixed list of child elements.
func elements(els ...element) func(r *Request) error {
	return func(r *Request) error {
		for _, el := range els {
			r.Element(nil, el.tag, el.fields...)
		}
		return nil
	}
}

type element struct {
	tag    string
	fields []Field
}

func el(tag string, fields ...Field) element {
	return element{tag: tag, fields: fields}
}

func now(attr, tag string) Field {
	return Field{Attr: attr, Tag: tag, Now: true}
}

// Catalog returns every telegram bound to env.
func Catalog(env *Env) []dispatch.Telegram {
	x := func(t XML) dispatch.Telegram {
		t.env = env
		if t.parse != nil {
			env.parsers.Register(int(t.typeID), t.parser())
		}
		return &t
	}
	b := func(t Binary) dispatch.Telegram {
		t.env = env
		return &t
	}

	return []dispatch.Telegram{
		// Binary session telegrams.
		b(Binary{name: "accept", typeID: TypeAccept, build: buildAccept, parse: parseAccept}),
		b(Binary{name: "workplaceSetup", typeID: TypeWorkplaceSetup, build: buildWorkplaceSetup, parse: parseWorkplaceSetup}),
		b(Binary{name: "workplaceInfo", typeID: TypeWorkplaceInfo, parse: parseWorkplaceInfo}),
		b(Binary{name: "timeRequest", typeID: TypeTimeRequest, parse: parseTimeRequest}),
		b(Binary{name: "versionInfo", typeID: TypeVersionInfo, build: buildVersionInfo, parse: parseVersionInfo}),
		b(Binary{name: "info", typeID: TypeInfo, build: buildInfo, parse: parseCodeMessage("info", messageSize)}),
		b(Binary{name: "error", typeID: TypeError, build: buildError, parse: parseCodeMessage("error", 0)}),
		b(Binary{name: "errorText", typeID: TypeErrorText, logOnly: true}),

		// Orders and jobs.
		x(XML{name: "jobList", typeID: TypeJobList, typeAttr: "typeld", errorCodes: zeroOrNegative,
			build: buildJobList, parse: parseJobList}),
		x(XML{name: "jobPlan", typeID: TypeJobPlan, errorCodes: zeroOrNegative,
			build: elements(el("Params",
				F("planningStatus", "params.planningStatus", "101"),
				F("fromDate", "params.fromDate", "03.03.2007 12:03"),
				F("toDate", "params.toDate", "04.03.2007 17:00"))),
			parse: parseJobPlan}),
		x(XML{name: "jobInfo", typeID: TypeJobInfo, build: buildJobRef, parse: parseJobInfo}),
		x(XML{name: "createJob", typeID: TypeCreateJob, build: elements(el("Job",
			F("orderNo", "job.orderNo", ""),
			F("prodNo", "job.prodNo", ""),
			F("jobNo", "job.jobNo", ""),
			F("name", "job.name", ""),
			F("setupTime", "job.setupTime", "0:00"),
			F("printTime", "job.printTime", "0:00"),
			F("amount", "job.amount", "0"),
			F("add", "job.add", "0"),
			F("add2", "job.add2", "0"),
			F("copy", "job.copy", "0"),
			F("comment", "job.comment", "")))}),
		x(XML{name: "deleteJob", typeID: TypeDeleteJob, build: elements(
			el("Order", F("number", "order.number", "")),
			el("Job", F("number", "job.number", "")),
			el("PartOrder", F("number", "partOrder.number", "")))}),
		x(XML{name: "machinePlanList", typeID: TypeMachinePlanList, build: buildMachinePlanList}),
		x(XML{name: "getOrderNote", typeID: TypeGetOrderNote, build: buildJobRef, parse: parseGetOrderNote}),
		x(XML{name: "setOrderNote", typeID: TypeSetOrderNote, build: buildSetOrderNote}),
		x(XML{name: "orderHeadDataExchange", typeID: TypeOrderHeadDataExchange, build: elements(
			el("Job", F("orderNo", "job.orderNo", ""), F("orderName", "job.orderName", "")),
			el("Delivery", F("amount", "delivery.amount", "0"), now("date", "delivery.date")),
			el("Customer", F("customerNo", "customer.customerNo", "")))}),
		x(XML{name: "prodHeadDataExchange", typeID: TypeProdHeadDataExchange, build: elements(
			el("Job",
				F("orderNo", "job.orderNo", ""),
				F("partOrderNo", "job.partOrderNo", ""),
				F("partOrderName", "job.partOrderName", ""),
				F("printStandardFront", "job.printStandardFront", ""),
				F("printStandardBack", "job.printStandardBack", "")),
			el("Delivery", F("amount", "delivery.amount", "0"), now("date", "delivery.date")),
			el("Paper",
				F("paperNo", "paper.paperNo", ""),
				F("printWidth", "paper.printWidth", "0"),
				F("printHeight", "paper.printHeight", "0")))}),
		x(XML{name: "jobHeadDataExchange", typeID: TypeJobHeadDataExchange, build: elements(
			el("Job",
				F("orderNo", "job.orderNo", ""),
				F("partOrderNo", "job.partOrderNo", ""),
				F("printRunNo", "job.printRunNo", ""),
				F("printRunName", "job.printRunName", "")),
			el("Print",
				F("amount", "print.amount", "0"),
				F("subsidy", "print.subsidy", "0"),
				F("subsidy2", "print.subsidy2", "0"),
				F("copy", "print.copy", "0"),
				now("plannedDate", "print.plannedDate"),
				F("setupTime", "print.setupTime", "0"),
				F("printTime", "print.printTime", "0")))}),
		x(XML{name: "preview", typeID: TypePreview, build: elements(el("Job",
			F("orderNo", "job.orderNo", ""),
			F("prodNo", "job.prodNo", ""),
			F("side", "job.side", "0"),
			F("inkCode", "job.inkCode", "1"))),
			parse: env.parsePreview}),
		x(XML{name: "readRepetitionData", typeID: TypeReadRepetitionData, build: func(r *Request) error {
			placeholderJob(r)
			r.Element(nil, "ReadRepetitionData", F("identifier", "readRepetitionData.identifier", ""))
			return nil
		}, parse: parseReadRepetitionData}),
		x(XML{name: "saveRepetitionData", typeID: TypeSaveRepetitionData, build: buildSaveRepetitionData}),

		// Machine data.
		x(XML{name: "operationalData", typeID: TypeOperationalData, build: buildOperationalData, parse: parseEnergy}),
		x(XML{name: "machineConfig", typeID: TypeMachineConfig, build: buildMachineConfig}),
		x(XML{name: "machineShifts", typeID: TypeMachineShifts, errorCodes: negativeOnly, parse: parseMachineShifts}),
		x(XML{name: "machineErrorText", typeID: TypeMachineErrorTexts, build: env.buildMachineErrorText}),
		x(XML{name: "disconnect", typeID: TypeDisconnect, build: elements(el("Disconnect",
			now("timeStamp", "disconnect.timeStamp"),
			F("reason", "disconnect.reason", "0")))}),

		// Personnel.
		x(XML{name: "personnel", typeID: TypePersonnel, errorCodes: zeroOrNegative,
			build: elements(el("Personal",
				F("id", "personal.id", ""),
				F("firstName", "personal.firstName", ""),
				F("lastName", "personal.lastName", ""))),
			parse: parsePersonnel}),
		x(XML{name: "createChangePersonnel", typeID: TypeCreateChangePersonnel, build: elements(el("Personal",
			F("internalId", "personal.internalId", ""),
			F("id", "personal.id", ""),
			F("firstName", "personal.firstName", ""),
			F("lastName", "personal.lastName", ""),
			F("job", "personal.job", ""),
			F("password", "personal.password", "")))}),
		x(XML{name: "bdePersonnel", typeID: TypeBDEPersonnel, build: buildBDEPersonnel}),

		// Events and assistant tasks.
		x(XML{name: "userEvent", typeID: TypeUserEvent, build: elements(el("Usermessage",
			F("id", "userMessage.id", ""),
			F("incoming", "userMessage.incoming", ""),
			F("outgoing", "userMessage.outgoing", ""),
			F("comment", "userMessage.comment", ""),
			F("rebook", "userMessage.rebook", "false")))}),
		x(XML{name: "userEventsQuery", typeID: TypeUserEventsQuery,
			build: elements(el("UserEvents", F("languageId", "userEvents.languageId", "1"))),
			parse: parseUserEventsQuery}),
		x(XML{name: "assistantTask", typeID: TypeAssistantTask, build: elements(el("AssistantTask",
			F("no", "assistantTask.no", ""),
			F("priority", "assistantTask.priority", ""),
			F("comment", "assistantTask.comment", "")))}),
		x(XML{name: "assistantTaskQuery", typeID: TypeAssistantTaskQuery,
			build: elements(el("AssistantTasks", F("languageId", "assistantTask.languageId", "1"))),
			parse: parseAssistantTaskQuery}),
		x(XML{name: "activeAssistantTasks", typeID: TypeActiveAssistantTasks,
			build: elements(el("AssistantTasks", F("languageId", "activeAssistantTasks.languageId", "1"))),
			parse: parseActiveAssistantTasks}),
	}
}

// Register adds the whole catalog to a dispatch engine.
func Register(eng *dispatch.Engine, env *Env) error {
	for _, t := range Catalog(env) {
		if err := eng.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// placeholderJob is the Job element of requests whose server side expects a job even when none is selected.
func placeholderJob(r *Request) {
	r.Element(nil, "Job", F("orderNo", "job.orderNo", "x"), F("prodNo", "job.prodNo", "y"), F("jobNo", "job.jobNo", "z"))
}

func buildSaveRepetitionData(r *Request) error {
	placeholderJob(r)
	save := r.Element(nil, "SaveRepetitionData", F("identifier", "saveRepetitionData.identifier", ""))
	var raw []string
	for i := 0; i < maxRepetitionTags; i++ {
		v, ok := r.env.value(r.Tag(fmt.Sprintf("saveRepetitionData.rawData.byteArray[%d]", i)))
		if !ok || v == nil {
			break
		}
		raw = append(raw, format(v))
	}
	save.SetText(strings.Join(raw, ","))
	return nil
}

func buildSetOrderNote(r *Request) error {
	jobRef(r, "")
	r.Root().CreateElement("OrderNote").SetText(r.Text("orderNote", ""))
	return nil
}

func buildOperationalData(r *Request) error {
	placeholderJob(r)
	op := r.Element(nil, "OpData",
		now("timeStamp", "opData.timeStamp"),
		F("speed", "opData.speed", "0"),
		F("comment", "opData.comment", ""))
	r.Element(op, "Counter",
		F("amount", "counter.amount", "0"),
		F("totalAmount", "counter.totalAmount", "0"),
		F("totalCounter", "counter.totalCounter", "0"),
		F("opHours", "counter.opHours", "0"),
		F("totalCounterGross", "counter.totalCounterGross", "0"))
	r.Element(op, "Activity",
		F("no", "activity.no", ""),
		F("value", "activity.value", ""),
		F("units", "activity.unit", ""))
	r.Element(op, "Machine",
		F("state", "machine.state", "0"),
		F("jobState", "machine.jobState", "0"),
		F("timeState", "machine.timeState", "0"))
	power := op.CreateElement("PowerConsumption")
	for i := 0; i < maxPowerCounters; i++ {
		p := fmt.Sprintf("powerConsumption.powerCounter[%d].", i)
		if !r.Has(p + "id") {
			continue
		}
		r.Element(power, "PowerCounter",
			F("id", p+"id", ""),
			F("name", p+"name", ""),
			F("realPower", p+"realPower", "0"),
			F("reactivePower", p+"reactivePower", "0"),
			F("currRealPower", p+"currRealPower", "0"),
			F("currReactivePower", p+"currReactivePower", "0"))
	}
	return nil
}

func buildMachineConfig(r *Request) error {
	r.Element(nil, "Machine",
		F("version", "machine.version", ""),
		F("serialNumber", "machine.serialNumber", ""),
		F("machineType", "machine.machineType", ""))
	sizes := r.Root().CreateElement("SheetSizes")
	for _, dim := range []struct{ tag, rel string }{
		{"Length", "length"}, {"Width", "width"}, {"Thickness", "thickness"},
	} {
		r.Element(sizes, dim.tag,
			F("min", "sheetSizes."+dim.rel+".min", "0"),
			F("max", "sheetSizes."+dim.rel+".max", "0"))
	}
	for i := 0; i < maxMachineUnits; i++ {
		p := fmt.Sprintf("unit.unit[%d].", i)
		number := r.env.number(r.Tag(p+"number"), 0)
		unitType := r.Text(p+"unitType", "")
		if number <= 0 && unitType == "" {
			continue
		}
		u := r.Root().CreateElement("Unit")
		u.CreateAttr("number", fmt.Sprint(number))
		u.CreateAttr("unitType", unitType)
	}
	return nil
}

func buildBDEPersonnel(r *Request) error {
	add := func(p string) {
		r.Element(nil, "Personal",
			F("activityNo", p+"activityNo", ""),
			F("id", p+"id", ""),
			now("timestamp", p+"timeStamp"),
			F("comment", p+"comment", ""))
	}
	n := 0
	for i := 0; i < maxBDEPersonnel; i++ {
		p := fmt.Sprintf("personal[%d].", i)
		if r.Has(p + "id") {
			add(p)
			n++
		}
	}
	if n == 0 && r.Has("personal.id") {
		add("personal.")
		n++
	}
	if n == 0 {
		r.env.logFn("bdePersonnel: no personal id set, sending an empty request")
	}
	return nil
}
