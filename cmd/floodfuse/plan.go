package main

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/floodfuse"
	"github.com/alessio/shellescape"
	wfv1 "github.com/argoproj/argo-workflows/v3/pkg/apis/workflow/v1alpha1"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

var dockerImage string
var jobid string
var shell bool

func initPlanFlags() {
	planCmd.Flags().StringVar(&roiPath, "roi", "", "roi definition file (yaml: minx/miny/maxx/maxy)")
	planCmd.Flags().StringVar(&manifestPath, "manifest", "", "scene manifest (yaml)")
	planCmd.Flags().StringVar(&startDate, "start", "", "start date YYYY-MM-DD (inclusive)")
	planCmd.Flags().StringVar(&endDate, "end", "", "end date YYYY-MM-DD (inclusive)")
	planCmd.Flags().StringVar(&outDir, "out", "dataset", "output dataset directory")
	planCmd.Flags().IntVar(&rows, "rows", 4, "grid rows")
	planCmd.Flags().IntVar(&cols, "cols", 4, "grid cols")
	planCmd.Flags().StringVar(&uploadPrefix, "upload", "", "gs://bucket/prefix to upload each cell's dataset to")
	planCmd.Flags().StringVar(&dockerImage, "dockerImage", "floodfuse:latest", "docker image to use in workflow steps")
	planCmd.Flags().StringVar(&jobid, "jobID", "", "job identifier (default: random uuid)")
	planCmd.Flags().BoolVar(&shell, "shell", false, "print shell commands instead of an argo workflow")
	planCmd.MarkFlagRequired("roi")      //nolint:errcheck
	planCmd.MarkFlagRequired("manifest") //nolint:errcheck
	planCmd.MarkFlagRequired("start")    //nolint:errcheck
	planCmd.MarkFlagRequired("end")      //nolint:errcheck
}

func int32Ptr(val int32) *int32 {
	a := val
	return &a
}
func intOrStringPtr(val int) *intstr.IntOrString {
	a := intstr.FromInt(val)
	return &a
}
func resourcePtr(val string) *resource.Quantity {
	res := resource.MustParse(val)
	return &res
}

func printCommand(cmd []string) string {
	sb := strings.Builder{}
	for i, c := range cmd {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(shellescape.Quote(c))
	}
	return sb.String()
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "create a workflow exporting each grid cell as a separate job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if jobid == "" {
			jobid = uuid.New().String()
		}
		roi, err := floodfuse.LoadROI(roiPath)
		if err != nil {
			return err
		}
		grid, err := floodfuse.NewGrid(roi, floodfuse.Rows(rows), floodfuse.Cols(cols))
		if err != nil {
			return err
		}

		cellCommands := make([][]string, 0, grid.Size())
		for cell := 0; cell < grid.Size(); cell++ {
			command := []string{"floodfuse", "export",
				"--roi", roiPath,
				"--manifest", manifestPath,
				"--start", startDate,
				"--end", endDate,
				"--out", outDir,
				"--rows", fmt.Sprintf("%d", rows),
				"--cols", fmt.Sprintf("%d", cols),
				"--cell", fmt.Sprintf("%d", cell),
			}
			if uploadPrefix != "" {
				command = append(command, "--gcs", "--upload",
					fmt.Sprintf("%s/%s", strings.TrimSuffix(uploadPrefix, "/"), jobid))
			}
			cellCommands = append(cellCommands, command)
		}

		if shell {
			for _, c := range cellCommands {
				fmt.Println(printCommand(c))
			}
			return nil
		}

		wf := &wfv1.Workflow{
			ObjectMeta: k8smeta.ObjectMeta{
				GenerateName: "floodfuse-",
			},
			TypeMeta: k8smeta.TypeMeta{
				APIVersion: "argoproj.io/v1alpha1",
				Kind:       "Workflow",
			},
			Spec: wfv1.WorkflowSpec{
				TTLStrategy: &wfv1.TTLStrategy{
					SecondsAfterSuccess: int32Ptr(3600),
				},
				Entrypoint: "floodfuse",
				TemplateDefaults: &wfv1.Template{
					Volumes: []k8sv1.Volume{
						{
							Name: "scratch",
							VolumeSource: k8sv1.VolumeSource{
								EmptyDir: &k8sv1.EmptyDirVolumeSource{
									SizeLimit: resourcePtr("2G"),
								},
							},
						},
					},
					Container: &k8sv1.Container{
						ImagePullPolicy: k8sv1.PullAlways,
						Resources: k8sv1.ResourceRequirements{
							Requests: k8sv1.ResourceList{
								k8sv1.ResourceCPU:    resource.MustParse("2"),
								k8sv1.ResourceMemory: resource.MustParse("4G"),
							},
						},
						WorkingDir: "/scratch",
						VolumeMounts: []k8sv1.VolumeMount{
							{
								Name:      "scratch",
								MountPath: "/scratch",
							},
						},
					},
				},
				Templates: []wfv1.Template{
					{Name: "floodfuse"},
				},
			},
		}

		ps := wfv1.ParallelSteps{}
		for cell, command := range cellCommands {
			step := wfv1.WorkflowStep{
				Name: fmt.Sprintf("Cell-%d", cell),
				Inline: &wfv1.Template{
					RetryStrategy: &wfv1.RetryStrategy{
						Limit: intOrStringPtr(5),
					},
					Metadata: wfv1.Metadata{
						Annotations: map[string]string{
							"cluster-autoscaler.kubernetes.io/safe-to-evict": "false",
						},
					},
					Container: &k8sv1.Container{
						Name:    "export",
						Image:   dockerImage,
						Command: command,
					},
				},
			}
			ps.Steps = append(ps.Steps, step)
		}
		wf.Spec.Templates[0].Steps = append(wf.Spec.Templates[0].Steps, ps)

		yb, err := yaml.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		fmt.Println(string(yb))
		return nil
	},
}
