// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package logstore

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cumulus-compute/cumulus/lib/config"
)

type s3Store struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

func newS3Store(cfg config.LogStoreConfig) (Store, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awscfg)
	return &s3Store{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (ss *s3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := ss.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(path.Join(ss.prefix, key)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (ss *s3Store) WriteLogFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error {
	return ss.put(ctx, logPath(batchID, jobID, container), data)
}

func (ss *s3Store) WriteStatusFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error {
	return ss.put(ctx, statusPath(batchID, jobID, container), data)
}

func (ss *s3Store) ReadLogFile(ctx context.Context, batchID, jobID int64, container string) ([]byte, error) {
	out, err := ss.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(path.Join(ss.prefix, logPath(batchID, jobID, container))),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
