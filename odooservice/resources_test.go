package odooservice

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/odoo"
)

func readJSONResource(t *testing.T, svc *Service, uri string) map[string]any {
	t.Helper()
	contents, err := svc.readResource(context.Background(), nopSession{}, uri)
	if err != nil {
		t.Fatalf("read %s: %v", uri, err)
	}
	if len(contents) != 1 {
		t.Fatalf("read %s returned %d contents, want 1", uri, len(contents))
	}
	c := contents[0]
	if c.URI != uri || c.MimeType != "application/json" {
		t.Fatalf("contents = %+v", c)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(c.Text), &value); err != nil {
		t.Fatalf("resource text is not JSON: %v\n%s", err, c.Text)
	}
	return value
}

func TestReadModelsResource(t *testing.T) {
	t.Parallel()

	client, svc := newTestService(t)
	value := readJSONResource(t, svc, "odoo://models")
	if _, ok := value["res.partner"]; !ok {
		t.Fatalf("models resource = %v", value)
	}
	if client.listModelsCalls != 1 {
		t.Fatalf("ListModels called %d times, want 1", client.listModelsCalls)
	}
}

func TestReadModelResourceMergesInfo(t *testing.T) {
	t.Parallel()

	_, svc := newTestService(t)
	value := readJSONResource(t, svc, "odoo://model/res.partner")
	if value["model"] != "res.partner" {
		t.Fatalf("model resource = %v", value)
	}
	if _, ok := value["fields"]; !ok {
		t.Fatalf("model resource missing fields: %v", value)
	}
}

func TestReadRecordResource(t *testing.T) {
	t.Parallel()

	client, svc := newTestService(t)
	value := readJSONResource(t, svc, "odoo://record/res.partner/42")
	if value["name"] != "Azure Interior" {
		t.Fatalf("record resource = %v", value)
	}

	call := client.readCalls[0]
	if call.model != "res.partner" || !reflect.DeepEqual(call.ids, []int64{42}) || call.fields != nil {
		t.Fatalf("ReadRecords call = %+v", call)
	}
}

// Resource reads have no envelope to hide behind; faults surface as errors
// for the protocol layer to report.
func TestReadRecordResourceFaultsAreErrors(t *testing.T) {
	t.Parallel()

	client, svc := newTestService(t)
	client.records = []map[string]any{}

	_, err := svc.readResource(context.Background(), nopSession{}, "odoo://record/res.partner/99")
	if err == nil || err.Error() != "record not found: res.partner ID 99" {
		t.Fatalf("err = %v", err)
	}

	client.recordsErr = &odoo.RemoteError{Message: "Access Denied"}
	_, err = svc.readResource(context.Background(), nopSession{}, "odoo://record/res.partner/99")
	if err == nil || err.Error() != "Access Denied" {
		t.Fatalf("err = %v, want the fault passed through", err)
	}

	_, err = svc.readResource(context.Background(), nopSession{}, "odoo://record/res.partner/abc")
	if err == nil || !strings.Contains(err.Error(), `invalid record id "abc"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadSearchResourceCapsResults(t *testing.T) {
	t.Parallel()

	client, svc := newTestService(t)
	uri := "odoo://search/res.partner/%5B%5B%22is_company%22%2C%22%3D%22%2Ctrue%5D%5D"
	contents, err := svc.readResource(context.Background(), nopSession{}, uri)
	if err != nil {
		t.Fatalf("read search resource: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %+v", contents)
	}

	call := client.methodCalls[0]
	if call.method != "search_read" || call.model != "res.partner" {
		t.Fatalf("call = %+v", call)
	}
	if call.options["limit"] != searchResourceLimit {
		t.Fatalf("options limit = %v, want %d", call.options["limit"], searchResourceLimit)
	}
	want := odoo.Domain{[]any{"is_company", "=", true}}
	if !reflect.DeepEqual(call.domain, want) {
		t.Fatalf("domain = %#v, want %#v", call.domain, want)
	}
}

func TestReadUnknownResource(t *testing.T) {
	t.Parallel()

	_, svc := newTestService(t)
	for _, uri := range []string{
		"https://example.com/models",
		"odoo://nope",
		"odoo://model/",
	} {
		_, err := svc.readResource(context.Background(), nopSession{}, uri)
		if err == nil || !strings.Contains(err.Error(), "resource not found") {
			t.Fatalf("read %s: err = %v", uri, err)
		}
	}
}

func TestResourceCatalog(t *testing.T) {
	t.Parallel()

	_, svc := newTestService(t)

	resources, err := svc.listResources(context.Background(), nopSession{}, nil)
	if err != nil {
		t.Fatalf("listResources: %v", err)
	}
	if len(resources.Items) != 1 || resources.Items[0].URI != "odoo://models" {
		t.Fatalf("resources = %+v", resources.Items)
	}

	templates, err := svc.listResourceTemplates(context.Background(), nopSession{}, nil)
	if err != nil {
		t.Fatalf("listResourceTemplates: %v", err)
	}
	uris := make([]string, 0, len(templates.Items))
	for _, tpl := range templates.Items {
		uris = append(uris, tpl.URITemplate)
	}
	want := []string{
		"odoo://model/{model_name}",
		"odoo://record/{model_name}/{record_id}",
		"odoo://search/{model_name}/{domain}",
	}
	if !reflect.DeepEqual(uris, want) {
		t.Fatalf("templates = %v, want %v", uris, want)
	}
}
