// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudvm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const tagKeyManagedBy = "cumulus-managed-by"

// EC2Config configures the EC2 provider.
type EC2Config struct {
	Region          string
	ImageID         string
	SubnetID        string
	SecurityGroupID string
	InstanceProfile string
	// InstanceTypeName is the provider instance type for worker
	// VMs (all workers are one size; the driver's worker_type /
	// worker_cores globals must describe it).
	InstanceTypeName string
	// DriverID tags every created VM so concurrently running
	// drivers don't garbage-collect each other's workers.
	DriverID string
}

type ec2Provider struct {
	config EC2Config
	logger logrus.FieldLogger
	client *ec2.Client
}

// NewEC2Provider returns a Provider backed by Amazon EC2.
func NewEC2Provider(ctx context.Context, cfg EC2Config, logger logrus.FieldLogger) (Provider, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %s", err)
	}
	return &ec2Provider{
		config: cfg,
		logger: logger,
		client: ec2.NewFromConfig(awscfg),
	}, nil
}

// Create implements Provider.
func (p *ec2Provider) Create(ctx context.Context, spec BootSpec) (VM, error) {
	userData := fmt.Sprintf(`#!/bin/sh
cat >/etc/cumulus-worker.env <<'END'
CUMULUS_WORKER_NAME=%s
CUMULUS_ACTIVATION_TOKEN=%s
CUMULUS_DRIVER_URL=%s
CUMULUS_WORKER_CORES=%d
CUMULUS_WORKER_TYPE=%s
END
systemctl start cumulus-worker
`, spec.Name, spec.ActivationToken, spec.DriverURL, spec.Cores, spec.WorkerType)

	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(spec.Name)},
		{Key: aws.String(tagKeyManagedBy), Value: aws.String(p.config.DriverID)},
	}
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.config.ImageID),
		InstanceType: ec2types.InstanceType(p.config.InstanceTypeName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   []string{p.config.SecurityGroupID},
			SubnetId:                 aws.String(p.config.SubnetID),
		}},
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if p.config.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.InstanceProfile),
		}
	}
	if spec.DiskGB > 0 {
		input.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &ec2types.EbsBlockDevice{
				DeleteOnTermination: aws.Bool(true),
				VolumeSize:          aws.Int32(int32(spec.DiskGB)),
				VolumeType:          ec2types.VolumeTypeGp3,
			},
		}}
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return VM{}, wrapEC2Error(err)
	}
	inst := out.Instances[0]
	vm := VM{
		Name:       spec.Name,
		ProviderID: aws.ToString(inst.InstanceId),
	}
	if inst.PrivateIpAddress != nil {
		vm.IPAddress = *inst.PrivateIpAddress
	}
	return vm, nil
}

// Destroy implements Provider.
func (p *ec2Provider) Destroy(ctx context.Context, name string) error {
	ids, err := p.lookup(ctx, name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return wrapEC2Error(err)
}

// Instances implements Provider.
func (p *ec2Provider) Instances(ctx context.Context) ([]VM, error) {
	var vms []VM
	paginator := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + tagKeyManagedBy), Values: []string{p.config.DriverID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapEC2Error(err)
		}
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				vm := VM{ProviderID: aws.ToString(inst.InstanceId)}
				for _, tag := range inst.Tags {
					if aws.ToString(tag.Key) == "Name" {
						vm.Name = aws.ToString(tag.Value)
					}
				}
				if inst.PrivateIpAddress != nil {
					vm.IPAddress = *inst.PrivateIpAddress
				}
				vms = append(vms, vm)
			}
		}
	}
	return vms, nil
}

func (p *ec2Provider) lookup(ctx context.Context, name string) ([]string, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("tag:" + tagKeyManagedBy), Values: []string{p.config.DriverID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, wrapEC2Error(err)
	}
	var ids []string
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	return ids, nil
}

type ec2QuotaError struct{ error }

func (ec2QuotaError) IsQuotaError() bool { return true }

type ec2RateLimitError struct {
	error
	earliestRetry time.Time
}

func (e ec2RateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

func wrapEC2Error(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "InstanceLimitExceeded", "InsufficientInstanceCapacity", "VcpuLimitExceeded", "MaxSpotInstanceCountExceeded":
			return ec2QuotaError{err}
		case "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return ec2RateLimitError{err, time.Now().Add(time.Minute)}
		}
	}
	return err
}
