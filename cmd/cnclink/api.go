package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
	"strings"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"

	"github.com/mastercactapus/cnclink/machine"
)

type api struct {
	http.Handler
	ctl machine.Controller
	sse *sse.Server
}

func newAPI(ctl machine.Controller) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		ctl:     ctl,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
	}

	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/pause", a.pause).Methods("POST")
	r.HandleFunc("/api/resume", a.resume).Methods("POST")
	r.HandleFunc("/api/cancel", a.cancel).Methods("POST")
	r.HandleFunc("/api/jog", a.jog).Methods("POST")
	r.HandleFunc("/api/home", a.home).Methods("POST")
	r.HandleFunc("/api/unlock", a.unlock).Methods("POST")
	r.HandleFunc("/api/override", a.override).Methods("POST")
	r.HandleFunc("/api/probe", a.probe).Methods("POST")
	r.PathPrefix("/events/").Handler(a.sse)

	events, _ := ctl.Events().Subscribe(0)
	go func() {
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("ERROR: marshal json: %+v", err)
				continue
			}
			a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
		}
	}()

	msgs, _ := ctl.Events().SubscribeMessages(0)
	go func() {
		for m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				log.Printf("ERROR: marshal json: %+v", err)
				continue
			}
			a.sse.SendMessage("/events/log", sse.SimpleMessage(string(data)))
		}
	}()

	return a
}

type statusPayload struct {
	State    machine.State        `json:"state"`
	Status   machine.Status       `json:"status"`
	Report   machine.StatusReport `json:"report"`
	Progress progressPayload      `json:"progress"`
}

type progressPayload struct {
	Active    bool   `json:"active"`
	Sent      int    `json:"sent"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Err       string `json:"err,omitempty"`
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	p := a.ctl.Progress()
	payload := statusPayload{
		State:  a.ctl.State(),
		Status: a.ctl.Status(),
		Report: a.ctl.Report(),
		Progress: progressPayload{
			Active:    p.Active,
			Sent:      p.Sent,
			Completed: p.Completed,
			Total:     p.Total,
		},
	}
	if p.Err != nil {
		payload.Progress.Err = p.Err.Error()
	}
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		return
	}

	err = a.ctl.StartStreaming(strings.NewReader(string(data)))
	if err != nil {
		log.Printf("ERROR: run: %+v", err)
		http.Error(w, err.Error(), 500)
		return
	}
}

func (a *api) pause(w http.ResponseWriter, req *http.Request) {
	a.simple(w, "pause", a.ctl.PauseStreaming)
}

func (a *api) resume(w http.ResponseWriter, req *http.Request) {
	a.simple(w, "resume", a.ctl.ResumeStreaming)
}

func (a *api) cancel(w http.ResponseWriter, req *http.Request) {
	a.simple(w, "cancel", a.ctl.CancelStreaming)
}

func (a *api) home(w http.ResponseWriter, req *http.Request) {
	a.simple(w, "home", a.ctl.Home)
}

func (a *api) unlock(w http.ResponseWriter, req *http.Request) {
	a.simple(w, "unlock", a.ctl.Unlock)
}

func (a *api) simple(w http.ResponseWriter, name string, fn func() error) {
	err := fn()
	if err != nil {
		log.Printf("ERROR: %s: %+v", name, err)
		http.Error(w, err.Error(), 500)
	}
}

func (a *api) jog(w http.ResponseWriter, req *http.Request) {
	axis := req.FormValue("axis")
	if len(axis) != 1 {
		http.Error(w, "axis must be a single letter", http.StatusBadRequest)
		return
	}

	var err error
	parse := func(param string) (val float64) {
		if err != nil {
			return 0
		}
		val, err = strconv.ParseFloat(req.FormValue(param), 64)
		return val
	}
	dist := parse("dist")
	feed := parse("feedRate")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = a.ctl.JogIncremental(axis[0], dist, feed)
	if err != nil {
		log.Printf("ERROR: jog: %+v", err)
		http.Error(w, err.Error(), 500)
	}
}

func (a *api) override(w http.ResponseWriter, req *http.Request) {
	pct, err := strconv.Atoi(req.FormValue("value"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch req.FormValue("type") {
	case "feed":
		err = a.ctl.SetFeedOverride(pct)
	case "rapid":
		err = a.ctl.SetRapidOverride(pct)
	case "spindle":
		err = a.ctl.SetSpindleOverride(pct)
	default:
		http.Error(w, "type must be feed, rapid or spindle", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("ERROR: override: %+v", err)
		http.Error(w, err.Error(), 500)
	}
}

func (a *api) probe(w http.ResponseWriter, req *http.Request) {
	var err error
	var opt machine.ProbeOptions
	opt.Axis = 'Z'
	if axis := req.FormValue("axis"); len(axis) == 1 {
		opt.Axis = axis[0]
	}
	opt.ZeroAxis = req.FormValue("zeroAxis") == "1"

	parse := func(param string) (val float64) {
		if err != nil {
			return 0
		}
		val, err = strconv.ParseFloat(req.FormValue(param), 64)
		return val
	}
	opt.FeedRate = parse("feedRate")
	opt.MaxTravel = parse("maxTravel")
	if req.FormValue("offset") != "" {
		opt.Offset = parse("offset")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := a.ctl.Probe(opt)
	if err != nil {
		log.Printf("ERROR: probe: %+v", err)
		http.Error(w, err.Error(), 500)
		return
	}
	err = json.NewEncoder(w).Encode(res)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}
