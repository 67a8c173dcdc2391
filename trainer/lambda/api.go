// Package lambda provisions GPU hosts for the model workers on Lambda Cloud
// and boots the worker process on them over SSH.
package lambda

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const apiBase = "https://cloud.lambdalabs.com/api/v1"

// Region identifies a Lambda Cloud region.
type Region struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// InstanceType describes a bookable machine shape.
type InstanceType struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PriceCentsPerHour int    `json:"price_cents_per_hour"`
}

// Instance represents a virtual machine in Lambda Cloud.
type Instance struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	IP              *string      `json:"ip"` // nullable while booting
	Status          string       `json:"status"`
	SSHKeyNames     []string     `json:"ssh_key_names"`
	FileSystemNames []string     `json:"file_system_names"`
	Region          Region       `json:"region"`
	InstanceType    InstanceType `json:"instance_type"`
	Hostname        *string      `json:"hostname"`
}

// LaunchRequest is the payload for launching worker instances.
type LaunchRequest struct {
	RegionName       string   `json:"region_name"`
	InstanceTypeName string   `json:"instance_type_name"`
	SSHKeyNames      []string `json:"ssh_key_names"`
	FileSystemNames  []string `json:"file_system_names,omitempty"`
	Quantity         int      `json:"quantity,omitempty"`
	Name             string   `json:"name,omitempty"`
}

type LaunchResponse struct {
	Data struct {
		InstanceIDs []string `json:"instance_ids"`
	} `json:"data"`
}

type InstancesResponse struct {
	Data []Instance `json:"data"`
}

type TerminateRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

type TerminateResponse struct {
	Data struct {
		TerminatedInstances []Instance `json:"terminated_instances"`
	} `json:"data"`
}

// doRequest performs one authenticated API call. Credentials come from
// LAMBDA_USERNAME and LAMBDA_PASSWORD.
func doRequest(method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		jsonPayload, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling request failed: %v", err)
		}
		body = bytes.NewBuffer(jsonPayload)
	}

	req, err := http.NewRequest(method, apiBase+path, body)
	if err != nil {
		return fmt.Errorf("creating request failed: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(os.Getenv("LAMBDA_USERNAME"), os.Getenv("LAMBDA_PASSWORD"))

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("making request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body failed: %v", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshalling response failed: %v", err)
	}
	return nil
}

// LaunchInstances boots fresh worker hosts.
func LaunchInstances(request LaunchRequest) (*LaunchResponse, error) {
	var resp LaunchResponse
	if err := doRequest("POST", "/instance-operations/launch", request, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListInstances returns all instances visible to the account.
func ListInstances() (*InstancesResponse, error) {
	var resp InstancesResponse
	if err := doRequest(http.MethodGet, "/instances", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TerminateInstances tears worker hosts down.
func TerminateInstances(request TerminateRequest) (*TerminateResponse, error) {
	var resp TerminateResponse
	if err := doRequest("POST", "/instance-operations/terminate", request, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
