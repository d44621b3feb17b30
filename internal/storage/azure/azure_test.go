package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?comp=list", "sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "BlobAlreadyExists"}
	containerExists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	missing := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	unavailable := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}

	if !isPreconditionFailed(precondition) || !isPreconditionFailed(exists) {
		t.Fatal("expected precondition failures")
	}
	if isPreconditionFailed(containerExists) {
		t.Fatal("container conflict is not a precondition failure")
	}
	if !isContainerExists(containerExists) {
		t.Fatal("expected container exists")
	}
	if !isNotFound(missing) || isNotFound(errors.New("boom")) {
		t.Fatal("not found classification wrong")
	}
	if !storage.IsTransient(wrapError(unavailable, "azure: get")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(missing, "azure: get")) {
		t.Fatal("404 should not be transient")
	}
	if !storage.IsTransient(wrapError(context.DeadlineExceeded, "azure: get")) {
		t.Fatal("deadline should be transient")
	}
}

func TestAccessConditions(t *testing.T) {
	if accessConditions("", false) != nil {
		t.Fatal("expected no conditions")
	}
	create := accessConditions("", true)
	if create == nil || create.ModifiedAccessConditions.IfNoneMatch == nil || *create.ModifiedAccessConditions.IfNoneMatch != azcore.ETag("*") {
		t.Fatalf("unexpected create conditions %+v", create)
	}
	cas := accessConditions("0x1", true)
	if cas.ModifiedAccessConditions.IfMatch == nil || cas.ModifiedAccessConditions.IfNoneMatch != nil {
		t.Fatalf("expected If-Match only, got %+v", cas.ModifiedAccessConditions)
	}
}
