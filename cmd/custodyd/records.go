package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/recordpipeline"
)

func recordsEnv(cmd *cobra.Command) string {
	env, _ := cmd.Flags().GetString("env")
	return env
}

func recordsRegisterPatient(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	a.pipeline.RegisterPatient(args[0])
	fmt.Fprintln(cmd.OutOrStdout(), "registered")
	return nil
}

func recordsCreate(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	fileType, _ := cmd.Flags().GetString("file-type")
	mime, _ := cmd.Flags().GetString("mime")

	plaintext, err := os.ReadFile(args[2])
	if err != nil {
		return fmt.Errorf("read payload file: %w", err)
	}

	rec, err := a.pipeline.CreateRecord(cmd.Context(), recordpipeline.UploadRequest{
		PatientID: args[0], CreatorID: args[1], Title: title, Description: description,
		FileType: domain.FileType(fileType), MIME: mime, Filename: args[2], Plaintext: plaintext,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.RecordID)
	return nil
}

func recordsAddVersion(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	fileType, _ := cmd.Flags().GetString("file-type")
	mime, _ := cmd.Flags().GetString("mime")

	plaintext, err := os.ReadFile(args[3])
	if err != nil {
		return fmt.Errorf("read payload file: %w", err)
	}

	rec, err := a.pipeline.AddVersion(cmd.Context(), args[0], recordpipeline.UploadRequest{
		PatientID: args[1], CreatorID: args[2], Title: title, Description: description,
		FileType: domain.FileType(fileType), MIME: mime, Filename: args[3], Plaintext: plaintext,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.VersionNumber)
	return nil
}

func recordsGet(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	out, _ := cmd.Flags().GetString("out")
	rec, plaintext, err := a.pipeline.GetRecord(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if out != "" {
		if err := os.WriteFile(out, plaintext, 0o600); err != nil {
			return fmt.Errorf("write payload file: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\n", rec.RecordID, rec.Status, rec.VersionNumber, rec.MerkleRoot)
	return nil
}

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "records", Short: "Create, version, and fetch medical records"}

	registerPatient := &cobra.Command{
		Use: "register-patient <patient-id>", Short: "Admit a patient ID so records may be created for them",
		Args: cobra.ExactArgs(1), RunE: recordsRegisterPatient,
	}

	create := &cobra.Command{
		Use: "create <patient> <creator> <file>", Short: "Create a new record from a local file",
		Args: cobra.ExactArgs(3), RunE: recordsCreate,
	}
	create.Flags().String("title", "", "record title")
	create.Flags().String("description", "", "record description")
	create.Flags().String("file-type", string(domain.FileTypeOther), "PDF, DICOM, IMAGE, or OTHER")
	create.Flags().String("mime", "application/octet-stream", "payload MIME type")

	addVersion := &cobra.Command{
		Use: "add-version <record-id> <patient> <creator> <file>", Short: "Append a new version to an existing record",
		Args: cobra.ExactArgs(4), RunE: recordsAddVersion,
	}
	addVersion.Flags().String("title", "", "record title")
	addVersion.Flags().String("description", "", "record description")
	addVersion.Flags().String("file-type", string(domain.FileTypeOther), "PDF, DICOM, IMAGE, or OTHER")
	addVersion.Flags().String("mime", "application/octet-stream", "payload MIME type")

	get := &cobra.Command{
		Use: "get <record-id> <requester>", Short: "Fetch a record's current version",
		Args: cobra.ExactArgs(2), RunE: recordsGet,
	}
	get.Flags().String("out", "", "write the decrypted payload to this path")

	cmd.AddCommand(registerPatient, create, addVersion, get)
	return cmd
}
